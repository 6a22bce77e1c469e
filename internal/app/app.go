package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/kernel"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/platform/local"
	"github.com/specialistvlad/botkernel/internal/platform/socketio"
	"github.com/specialistvlad/botkernel/internal/tracing"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	kernel     *kernel.Kernel
	tracing    *tracing.Provider
	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns an App with
// its own isolated logger, tracer provider and kernel. A nil catalog means
// DefaultCatalog and a nil conn is built from cfg.Platform.
func NewApp(outW io.Writer, cfg *Config, catalog *module.Catalog, conn platform.Connection) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Writer:       outW,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if conn == nil {
		conn = newConnection(cfg)
	}

	bus := eventbus.New(
		eventbus.WithHistoryLimit(cfg.EventHistory),
		eventbus.WithTracer(provider.Tracer("botkernel/eventbus")),
	)
	k := kernel.New(kernel.Config{
		Token:       cfg.Token,
		ModulesPath: cfg.ModulesPath,
		Environment: module.Environment{
			DatabaseURL: cfg.DatabaseURL,
			DataDir:     cfg.DataDir,
			Admins:      cfg.Admins,
		},
	}, catalog, conn,
		kernel.WithBus(bus),
		kernel.WithTracer(provider.Tracer("botkernel/kernel")),
	)
	logger.Debug("Kernel created.", "platform", cfg.Platform, "catalog", len(catalog.Names()))

	return &App{
		ctx:     ctx,
		outW:    outW,
		logger:  logger,
		config:  cfg,
		kernel:  k,
		tracing: provider,
	}, nil
}

func newConnection(cfg *Config) platform.Connection {
	if cfg.Platform == PlatformSocketIO {
		return socketio.New(socketio.Config{
			URL:       cfg.GatewayURL,
			Namespace: cfg.Namespace,
			Token:     cfg.Token,
		})
	}
	return local.New()
}

// Kernel returns the application's kernel. This is primarily for testing.
func (a *App) Kernel() *kernel.Kernel {
	return a.kernel
}
