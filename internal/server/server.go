// Package server exposes the operational HTTP endpoints: health, metrics
// and the status of the active migration.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/migration"
)

// MigrationStatusFunc reports the active migration, or nil when none has
// been started
type MigrationStatusFunc func() *migration.Status

// AdminServer is the loopback HTTP server for operators
type AdminServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewAdminServer wires the admin routes
func NewAdminServer(addr string, metricsHandler http.Handler, status MigrationStatusFunc, logger *zap.Logger) *AdminServer {
	muxRouter := mux.NewRouter()
	muxRouter.Use(recovery(logger))
	muxRouter.Use(logging(logger))

	muxRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}).Methods("GET")

	muxRouter.Handle("/metrics", metricsHandler).Methods("GET")

	muxRouter.HandleFunc("/migration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s := status()
		if s == nil {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no migration started"}`)
			return
		}
		if err := json.NewEncoder(w).Encode(s); err != nil {
			logger.Error("failed to encode migration status", zap.Error(err))
		}
	}).Methods("GET")

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: muxRouter,
		},
		logger: logger,
	}
}

// Start starts the HTTP server
func (s *AdminServer) Start() error {
	s.logger.Info("starting admin server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine
func (s *AdminServer) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.server.Shutdown(ctx)
}
