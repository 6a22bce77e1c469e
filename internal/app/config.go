package app

import (
	"errors"
	"fmt"
	"slices"
)

// Platforms accepted in Config.Platform.
const (
	PlatformLocal    = "local"
	PlatformSocketIO = "socketio"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Token       string
	Platform    string
	GatewayURL  string // socket.io gateway
	Namespace   string
	ModulesPath string // module.hcl directories
	DatabaseURL string
	DataDir     string
	Admins      []int64

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	WatchModules    bool
	TraceExporter   string
	OTLPEndpoint    string
	EventHistory    int
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Platform == "" {
		cfg.Platform = PlatformLocal
	}
	switch cfg.Platform {
	case PlatformLocal:
		// The local platform needs no credentials.
		if cfg.Token == "" {
			cfg.Token = "local"
		}
	case PlatformSocketIO:
		if cfg.GatewayURL == "" {
			return nil, errors.New("gateway_url is required for the socketio platform")
		}
		if cfg.Token == "" {
			return nil, errors.New("token is required for the socketio platform")
		}
	default:
		return nil, fmt.Errorf("unknown platform %q: must be 'local' or 'socketio'", cfg.Platform)
	}

	if cfg.ModulesPath == "" {
		cfg.ModulesPath = "modules"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.EventHistory < 0 {
		return nil, fmt.Errorf("event_history must not be negative, got %d", cfg.EventHistory)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck_port out of range: %d", cfg.HealthcheckPort)
	}
	slices.Sort(cfg.Admins)
	cfg.Admins = slices.Compact(cfg.Admins)
	return &cfg, nil
}
