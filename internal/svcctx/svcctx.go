// Package svcctx provides service context for dependency injection via
// context, kept separate from server to avoid import cycles with
// endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/Arke-Institute/arke-ocr-service/internal/chunkworker"
	"github.com/Arke-Institute/arke-ocr-service/internal/config"
)

// Services holds the core services that flow through request context.
type Services struct {
	Manager   *chunkworker.Manager
	ConfigMgr *config.Manager
	Logger    *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context. Returns nil
// if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// ManagerFrom extracts the chunk worker manager from context.
func ManagerFrom(ctx context.Context) *chunkworker.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Manager
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// ConfigFrom extracts the current configuration from context.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil && s.ConfigMgr != nil {
		return s.ConfigMgr.Get()
	}
	return nil
}
