package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/internal/runner"
	"github.com/theblitlabs/parity-federated/internal/training"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

func RunClient(configPath string) {
	log := logger.WithComponent("cli")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	trainer, err := training.NewTrainer(cfg.Client.ModelType, cfg.Client.InputSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trainer")
	}

	client, err := runner.NewFederatedClient(cfg.Client, trainer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// Register up front so the websocket listener has a credential; the
	// run loop's own registration is idempotent.
	if err := client.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("Registration failed")
	}

	wsURL := strings.Replace(cfg.Client.ServerURL, "http", "ws", 1)
	wsURL = strings.TrimSuffix(wsURL, cfg.Server.Endpoint) + "/ws"
	listener := runner.NewRoundListener(wsURL, client.Token(), client.OnRoundStart)
	if err := listener.Connect(); err != nil {
		log.Warn().Err(err).Msg("Websocket unavailable, falling back to polling only")
	} else {
		listener.Start()
		defer listener.Stop()
	}

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Client stopped")
	}
	log.Info().Msg("Shutdown complete")
}
