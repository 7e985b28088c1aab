package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"
)

const (
	checkChainIdCallTimeout = 5 * time.Second
	blockchainsFileName     = "blockchains.yaml"
)

var (
	blockchainNameRegex  = regexp.MustCompile(`^[a-z][a-z_]+[a-z]$`)
	contractAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// BlockchainsConfig is the root structure of blockchains.yaml. Default
// contract addresses apply to every chain unless overridden per chain.
type BlockchainsConfig struct {
	DefaultContractAddresses ContractAddressesConfig `yaml:"default_contract_addresses"`
	Blockchains              []BlockchainConfig      `yaml:"blockchains"`
}

// BlockchainConfig is the configuration for a single supported chain.
type BlockchainConfig struct {
	// Name is the blockchain identifier (e.g., "polygon_amoy", "base_sepolia")
	// Must match pattern: lowercase letters and underscores only
	Name string `yaml:"name"`
	// ID is the chain ID used for RPC validation
	ID uint32 `yaml:"id"`
	// Disabled determines if this blockchain should be connected
	Disabled bool `yaml:"disabled"`
	// BlockchainRPC is populated from environment variable <NAME>_BLOCKCHAIN_RPC
	BlockchainRPC string
	// ContractAddresses can override the default addresses
	ContractAddresses ContractAddressesConfig `yaml:"contract_addresses"`
}

// ContractAddressesConfig holds the transfer definition contracts the
// node references on one chain. All addresses must be valid Ethereum
// addresses (0x followed by 40 hex characters).
type ContractAddressesConfig struct {
	WithdrawDefinition string `yaml:"withdraw_definition"`
	HashlockDefinition string `yaml:"hashlock_definition"`
}

// NetworkContext converts the per-chain configuration into the
// immutable context pinned at channel setup.
func (bc BlockchainConfig) NetworkContext() NetworkContext {
	return NetworkContext{
		ChainID:            bc.ID,
		WithdrawDefinition: common.HexToAddress(bc.ContractAddresses.WithdrawDefinition),
		HashlockDefinition: common.HexToAddress(bc.ContractAddresses.HashlockDefinition),
	}
}

// LoadBlockchains loads and validates blockchain configurations from
// <configDirPath>/blockchains.yaml: contract address format, chain
// names, RPC availability and chain ID matching. It returns the
// enabled chains indexed by chain ID.
func LoadBlockchains(configDirPath string) (map[uint32]BlockchainConfig, error) {
	blockchainsPath := filepath.Join(configDirPath, blockchainsFileName)
	f, err := os.Open(blockchainsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg BlockchainsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.verifyVariables(); err != nil {
		return nil, err
	}

	if err := cfg.verifyRPCs(); err != nil {
		return nil, err
	}

	enabledBlockchains := cfg.getEnabled()
	return enabledBlockchains, nil
}

// verifyVariables validates the configuration structure and applies
// default contract addresses. It modifies the config in place.
func (cfg *BlockchainsConfig) verifyVariables() error {
	defaults := cfg.DefaultContractAddresses
	if !contractAddressRegex.MatchString(defaults.WithdrawDefinition) && defaults.WithdrawDefinition != "" {
		return fmt.Errorf("invalid default withdraw definition contract address '%s'", defaults.WithdrawDefinition)
	}
	if !contractAddressRegex.MatchString(defaults.HashlockDefinition) && defaults.HashlockDefinition != "" {
		return fmt.Errorf("invalid default hashlock definition contract address '%s'", defaults.HashlockDefinition)
	}

	for i, bc := range cfg.Blockchains {
		if bc.Disabled {
			continue
		}

		if !blockchainNameRegex.MatchString(bc.Name) {
			return fmt.Errorf("invalid blockchain name '%s', should match snake_case format", bc.Name)
		}

		if bc.ContractAddresses.WithdrawDefinition == "" {
			if defaults.WithdrawDefinition == "" {
				return fmt.Errorf("missing default and blockchain-specific withdraw definition contract address for blockchain '%s'", bc.Name)
			}
			cfg.Blockchains[i].ContractAddresses.WithdrawDefinition = defaults.WithdrawDefinition
		} else if !contractAddressRegex.MatchString(bc.ContractAddresses.WithdrawDefinition) {
			return fmt.Errorf("invalid withdraw definition contract address '%s' for blockchain '%s'", bc.ContractAddresses.WithdrawDefinition, bc.Name)
		}

		if bc.ContractAddresses.HashlockDefinition == "" {
			if defaults.HashlockDefinition == "" {
				return fmt.Errorf("missing default and blockchain-specific hashlock definition contract address for blockchain '%s'", bc.Name)
			}
			cfg.Blockchains[i].ContractAddresses.HashlockDefinition = defaults.HashlockDefinition
		} else if !contractAddressRegex.MatchString(bc.ContractAddresses.HashlockDefinition) {
			return fmt.Errorf("invalid hashlock definition contract address '%s' for blockchain '%s'", bc.ContractAddresses.HashlockDefinition, bc.Name)
		}
	}

	return nil
}

// verifyRPCs validates RPC endpoints for all enabled blockchains.
// It reads RPC URLs from environment variables following the pattern:
// <BLOCKCHAIN_NAME_UPPERCASE>_BLOCKCHAIN_RPC
// and verifies that each endpoint returns the expected chain ID.
func (cfg *BlockchainsConfig) verifyRPCs() error {
	for i, bc := range cfg.Blockchains {
		if bc.Disabled {
			continue
		}

		blockchainRPC := os.Getenv(fmt.Sprintf("%s_BLOCKCHAIN_RPC", strings.ToUpper(bc.Name)))
		if blockchainRPC == "" {
			return fmt.Errorf("missing blockchain RPC for blockchain '%s'", bc.Name)
		}

		if err := checkChainId(blockchainRPC, bc.ID); err != nil {
			return fmt.Errorf("blockchain '%s' ChainID check failed: %w", bc.Name, err)
		}

		cfg.Blockchains[i].BlockchainRPC = blockchainRPC
	}

	return nil
}

// getEnabled returns a map of enabled blockchains indexed by their chain ID.
func (cfg *BlockchainsConfig) getEnabled() map[uint32]BlockchainConfig {
	enabledBlockchains := make(map[uint32]BlockchainConfig)
	for _, bc := range cfg.Blockchains {
		if !bc.Disabled {
			enabledBlockchains[bc.ID] = bc
		}
	}
	return enabledBlockchains
}

// checkChainId connects to an RPC endpoint and verifies it returns the
// expected chain ID, so a misconfigured URL is caught at startup.
func checkChainId(blockchainRPC string, expectedChainID uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdCallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, blockchainRPC)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID from blockchain RPC: %w", err)
	}

	if uint32(chainID.Uint64()) != expectedChainID {
		return fmt.Errorf("unexpected chain ID from blockchain RPC: got %d, want %d", chainID.Uint64(), expectedChainID)
	}

	return nil
}
