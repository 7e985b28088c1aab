package main

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "CHANNELD_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// ListenConfig is the HTTP/websocket listen configuration.
type ListenConfig struct {
	Addr        string `env:"CHANNELD_LISTEN_ADDR" env-default:":8000"`
	MetricsAddr string `env:"CHANNELD_METRICS_ADDR" env-default:":4242"`
}

// Config represents the overall application configuration
type Config struct {
	mode          Mode
	blockchains   map[uint32]BlockchainConfig
	peers         map[string]string
	privateKeyHex string
	dbConf        DatabaseConfig
	listen        ListenConfig
}

// LoadConfig builds configuration from environment variables
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	// Load .env files
	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode := Mode(os.Getenv("CHANNELD_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		logger.Fatal("invalid CHANNELD_MODE value", "value", mode)
	}
	logger.Info("set mode", "value", mode)

	// Get database URL from environment variables
	var dbConf DatabaseConfig
	dbURL := os.Getenv("CHANNELD_DATABASE_URL")

	// If DATABASE_URL is not empty, parse the connection string
	// Otherwise, read the envs in usual way
	if dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else {
		// Read db config
		if err := cleanenv.ReadEnv(&dbConf); err != nil {
			logger.Error("failed to read env", "err", err)
			return nil, err
		}
	}

	var listen ListenConfig
	if err := cleanenv.ReadEnv(&listen); err != nil {
		logger.Error("failed to read env", "err", err)
		return nil, err
	}

	// Retrieve the private key.
	privateKeyHex := os.Getenv("CHANNELD_PRIVATE_KEY")
	if privateKeyHex == "" {
		logger.Fatal("CHANNELD_PRIVATE_KEY environment variable is required")
	}

	blockchains, err := LoadBlockchains(configDirPath)
	if err != nil {
		logger.Fatal("failed to load blockchains", "error", err)
	}

	peers, err := LoadPeers(configDirPath)
	if err != nil {
		logger.Fatal("failed to load peers", "error", err)
	}

	config := Config{
		mode:          mode,
		blockchains:   blockchains,
		peers:         peers,
		privateKeyHex: privateKeyHex,
		dbConf:        dbConf,
		listen:        listen,
	}

	return &config, nil
}
