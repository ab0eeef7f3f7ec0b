package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

// Server is the coordinator's HTTP front end.
type Server struct {
	httpServer *http.Server
}

func NewServer(cfg *config.Config, handler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	log := logger.WithComponent("server")
	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Msg("Shutting down HTTP server...")

	return s.httpServer.Shutdown(ctx)
}
