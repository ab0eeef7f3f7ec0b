package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theblitlabs/parity-federated/internal/aggregation"
	"github.com/theblitlabs/parity-federated/internal/api"
	"github.com/theblitlabs/parity-federated/internal/api/handlers"
	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/internal/database/repositories"
	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/server"
	"github.com/theblitlabs/parity-federated/internal/strategies"
	"github.com/theblitlabs/parity-federated/pkg/database"
	"github.com/theblitlabs/parity-federated/pkg/logger"
	"github.com/theblitlabs/parity-federated/pkg/metrics"
)

// verifyPortAvailable checks if the given port is available for use
func verifyPortAvailable(host, port string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("port %s is not available: %w", port, err)
	}
	ln.Close()
	return nil
}

func buildAggregator(cfg *config.Config) (aggregation.Aggregator, error) {
	switch cfg.Aggregation.Strategy {
	case "fedavg":
		return aggregation.NewFedAvgAggregator(), nil
	case "byzantine":
		return aggregation.NewByzantineRobustAggregator(
			aggregation.RobustMethod(cfg.Aggregation.RobustMethod),
			cfg.Federation.ByzantineFraction,
		), nil
	case "personalized":
		return aggregation.NewPersonalizedAggregator(
			aggregation.PersonalizationMethod(cfg.Aggregation.Personalization),
		), nil
	case "adaptive":
		return aggregation.NewAdaptiveAggregator(cfg.Federation.ByzantineFraction), nil
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", cfg.Aggregation.Strategy)
	}
}

func RunServer(configPath string) {
	log := logger.WithComponent("cli")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Server.JWTSecret == "" {
		log.Fatal().Msg("server.jwt_secret is required")
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	// Checkpoints and the audit log live in Postgres when a database is
	// configured, in memory otherwise.
	var checkpoints federation.CheckpointStore
	var audit federation.AuditLog
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Connected to database")

		checkpoints = repositories.NewCheckpointRepository(db)
		audit = repositories.NewAuditRepository(db)
	} else {
		log.Warn().Msg("No database configured, checkpoints and audit log are in-memory only")
		checkpoints = federation.NewMemoryCheckpointStore()
		audit = federation.NewMemoryAuditLog()
	}

	aggregator, err := buildAggregator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid aggregation config")
	}

	registry := prometheus.NewRegistry()
	federationMetrics := metrics.NewFederationMetrics(registry)
	jwtSecret := []byte(cfg.Server.JWTSecret)
	hub := api.NewHub(jwtSecret, cfg.Server.Websocket)

	opts := []federation.Option{
		federation.WithMetrics(federationMetrics),
		federation.WithNotifier(hub),
	}
	if cfg.Aggregation.Selection != "trust" {
		opts = append(opts, federation.WithSelector(
			strategies.NewClientSelector(strategies.SelectionPolicy(cfg.Aggregation.Selection), time.Now().UnixNano()),
		))
	}

	coordinator, err := federation.NewFederatedServer(cfg.Federation, aggregator, checkpoints, audit, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build coordinator")
	}
	if err := coordinator.Resume(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to resume from checkpoint")
	}

	federationHandler := handlers.NewFederationHandler(coordinator, jwtSecret)
	router := api.NewRouter(federationHandler, hub, jwtSecret, cfg.Server.Endpoint, registry)

	if err := verifyPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Str("port", cfg.Server.Port).Msg("Server port is not available")
	}

	httpServer := server.NewServer(cfg, router)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopChan
		log.Info().Msg("Shutdown signal received")
		shutdownCancel()
	}()

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			shutdownCancel()
		}
	}()

	// The round loop runs until all rounds finish, the privacy budget
	// halts training, or shutdown is requested.
	runErr := make(chan error, 1)
	go func() { runErr <- coordinator.Run(shutdownCtx) }()

	select {
	case err := <-runErr:
		if err != nil && shutdownCtx.Err() == nil {
			log.Error().Err(err).Msg("Federation stopped")
		}
	case <-shutdownCtx.Done():
	}

	serverShutdownCtx, serverShutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer serverShutdownCancel()
	if err := httpServer.Stop(serverShutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}
