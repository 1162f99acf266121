// Copyright 2025 James Ross
// Package adminapi is the host-operator introspection surface: read-only
// HTTP endpoints over the extensions currently loaded, the audit ledger,
// and the permission store. It is not a capability surface — extension
// hostcalls never pass through here, only through internal/dispatcher.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/extmanager"
	"github.com/flyingrobots/pi-extensions/internal/permissionstore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Config configures the admin HTTP listener.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors the defaults used for every other listener in this
// module: generous but bounded timeouts, never unbounded.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server hosts the admin API on its own listener, independent of any
// per-extension HTTP traffic the http connector makes outbound.
type Server struct {
	cfg    Config
	logger *zap.Logger
	http   *http.Server
}

// NewServer wires routes and middleware into a ready-to-start Server.
func NewServer(cfg Config, extensions *extmanager.Manager, auditLogPath string, permStore *permissionstore.Store, logger *zap.Logger) *Server {
	h := NewHandler(extensions, auditLogPath, permStore, logger)
	router := mux.NewRouter()
	RegisterRoutes(router, h)

	handler := RecoveryMiddleware(logger)(RequestIDMiddleware()(router))

	return &Server{
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// RegisterRoutes mounts every admin endpoint onto router, exported so an
// embedding host can fold this surface into a larger mux instead of giving
// it a dedicated listener.
func RegisterRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/extensions", h.ListExtensions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/audit", h.TailAudit).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/permissions", h.ListPermissions).Methods(http.MethodGet)
}

// Start blocks serving admin HTTP traffic until the listener is closed.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("starting admin API server", zap.String("addr", s.cfg.ListenAddr))
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin listener within the configured
// shutdown budget.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
