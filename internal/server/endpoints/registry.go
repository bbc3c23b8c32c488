package endpoints

import (
	"github.com/Arke-Institute/arke-ocr-service/internal/api"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	Ready func() bool
}

// All returns all endpoint instances registered on the worker's server.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&ReadyEndpoint{Ready: cfg.Ready},
		&ProcessEndpoint{},
		&StatusEndpoint{},
	}
}
