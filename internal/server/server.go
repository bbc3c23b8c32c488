// Package server wires the chunk worker manager to an HTTP surface:
// POST /process, GET /status, and GET /health, GET /ready.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Arke-Institute/arke-ocr-service/internal/api"
	"github.com/Arke-Institute/arke-ocr-service/internal/chunkworker"
	"github.com/Arke-Institute/arke-ocr-service/internal/config"
	"github.com/Arke-Institute/arke-ocr-service/internal/home"
	"github.com/Arke-Institute/arke-ocr-service/internal/server/endpoints"
	"github.com/Arke-Institute/arke-ocr-service/internal/svcctx"
)

// Server is the worker's HTTP server. It owns the chunk worker manager and
// enriches every request's context with the services endpoints need.
type Server struct {
	httpServer *http.Server
	manager    *chunkworker.Manager
	configMgr  *config.Manager
	logger     *slog.Logger

	services *svcctx.Services

	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	Host string
	Port string

	HomeDir       *home.Dir
	ConfigManager *config.Manager
	Logger        *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HomeDir == nil {
		return nil, errors.New("server: HomeDir is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("server: ConfigManager is required")
	}

	workerCfg := workerConfigFrom(cfg.ConfigManager.Get(), cfg.Logger)
	manager := chunkworker.NewManager(cfg.HomeDir, workerCfg)

	cfg.ConfigManager.OnChange(func(c *config.Config) {
		cfg.Logger.Info("configuration reloaded")
	})

	s := &Server{
		manager:   manager,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	s.services = &svcctx.Services{
		Manager:   manager,
		ConfigMgr: cfg.ConfigManager,
		Logger:    cfg.Logger,
	}

	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{Ready: func() bool { return true }}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// workerConfigFrom translates a loaded Config into the chunkworker's
// WorkerConfig, the phase engine's template. It is called once, in New; a
// later config reload updates the config.Manager but not the chunk worker
// manager built here.
func workerConfigFrom(c *config.Config, logger *slog.Logger) chunkworker.WorkerConfig {
	return chunkworker.WorkerConfig{
		MaxParallel:      c.MaxParallelOCR,
		MaxRetriesPerRef: c.MaxRetriesPerRef,
		MaxGlobalRetries: c.MaxGlobalRetries,
		AlarmIntervalMs:  c.AlarmIntervalMs,
		OrchestratorURL:  c.OrchestratorURL,
		StoreBaseURL:     c.StoreBaseURL,
		OCRAPIKey:        c.OCRAPIKey,
		OCRBaseURL:       c.OCRBaseURL,
		OCRModel:         c.OCRModel,
		Logger:           logger,
	}
}

// Start starts the HTTP server. It blocks until the context is cancelled
// or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.configMgr != nil {
		s.configMgr.WatchConfig()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Manager returns the chunk worker manager.
func (s *Server) Manager() *chunkworker.Manager {
	return s.manager
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the chunk worker manager is ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.manager == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
