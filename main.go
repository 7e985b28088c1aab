package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statewire/channeld/pkg/sign"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	signer, err := sign.NewEthereumSigner(config.privateKeyHex)
	if err != nil {
		logger.Fatal("failed to initialise signer", "error", err)
	}
	logger.Info("node signer initialized",
		"address", signer.PublicKey().Address().String(),
		"publicIdentifier", signer.PublicIdentifier())

	store := NewGormStore(db)
	bus := NewEventBus(logger)

	metrics := NewMetrics()
	metrics.Observe(bus)

	onchain, err := NewEthereumReader(config.blockchains, logger)
	if err != nil {
		logger.Fatal("failed to initialize blockchain clients", "error", err)
	}

	messaging := NewWebsocketMessaging(signer.PublicIdentifier(), config.peers, logger)
	syncService := NewSyncService(store, messaging, signer, bus, logger)
	NewEngine(store, syncService, onchain, signer, bus, logger)

	peerListenEndpoint := "/ws"
	peerMux := http.NewServeMux()
	peerMux.HandleFunc(peerListenEndpoint, messaging.HandleConnection)

	peerServer := &http.Server{
		Addr:    config.listen.Addr,
		Handler: peerMux,
	}

	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	// Start metrics server on a separate port
	metricsServer := &http.Server{
		Addr:    config.listen.MetricsAddr,
		Handler: metricsMux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.RecordMetricsPeriodically(ctx, store, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.listen.MetricsAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	// Start the peer-facing server.
	go func() {
		logger.Info("peer server available", "listenAddr", config.listen.Addr, "endpoint", peerListenEndpoint)
		if err := peerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("peer server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	// Shutdown metrics server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	// Shutdown peer server
	shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := peerServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down peer server", "error", err)
	}
	messaging.Close()

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "identifier":
		runIdentifierCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}

// runIdentifierCli prints the public identifier and address derived
// from the configured private key, for exchanging with counterparties.
func runIdentifierCli(logger Logger) {
	privateKeyHex := os.Getenv("CHANNELD_PRIVATE_KEY")
	if privateKeyHex == "" {
		logger.Fatal("CHANNELD_PRIVATE_KEY environment variable is required")
	}
	signer, err := sign.NewEthereumSigner(privateKeyHex)
	if err != nil {
		logger.Fatal("failed to initialise signer", "error", err)
	}
	logger.Info("node identity",
		"address", signer.PublicKey().Address().String(),
		"publicIdentifier", signer.PublicIdentifier())
}
