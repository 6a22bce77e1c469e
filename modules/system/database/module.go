// Package database opens the shared SQL store and publishes it to other
// modules as the "database" service.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/internal/storage"
)

// Name is the module name.
const Name = "system.database"

// ServiceName is the registry name of the shared storage.Store.
const ServiceName = "database"

// Store returns the shared store from r.
func Store(r *registry.Registry) (storage.Store, error) {
	return registry.Service[storage.Store](r, ServiceName)
}

// Module owns the database connection pool.
type Module struct {
	url    string
	wal    bool
	db     *storage.DB
	loaded *eventbus.Handler
}

var (
	_ module.Module       = (*Module)(nil)
	_ module.Configurable = (*Module)(nil)
	_ module.Describer    = (*Module)(nil)
)

// New is the catalog factory.
func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{Name: Name, Version: "1.0.0", Description: "Shared SQL storage"}
}

func (m *Module) Configure(cfg module.Config) error {
	m.url = cfg.String("url", "")
	m.wal = cfg.Bool("wal", true)
	return nil
}

func (m *Module) Setup(ctx context.Context, host module.Host) error {
	logger := host.Logger()
	url := m.resolveURL(host.Environment())

	db, err := openStore(ctx, url)
	if err != nil {
		return err
	}
	if db.Dialect() == storage.DialectSQLite && m.wal {
		if _, err := db.Execute(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return fmt.Errorf("enabling WAL: %w", err)
		}
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	m.db = db

	if !host.RegisterService(ServiceName, storage.Store(db), map[string]string{"dialect": string(db.Dialect())}) {
		_ = db.Close()
		return errors.New("database service already registered")
	}

	m.loaded = eventbus.NewHandler("database.track_modules", func(ctx context.Context, ev *eventbus.Event) (any, error) {
		me, ok := ev.Payload.(module.ModuleEvent)
		if !ok {
			return nil, nil
		}
		rec, _ := host.Registry().GetModule(me.Name)
		return nil, m.recordModule(ctx, me.Name, rec.Metadata["version"])
	})
	host.Subscribe(module.EventModuleLoaded, m.loaded)

	logger.Info("Database ready.", "dialect", db.Dialect(), "path", db.Path())
	return nil
}

func (m *Module) Cleanup(context.Context) error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// resolveURL picks the manifest URL, then the process setting, then a sqlite
// file under the data directory.
func (m *Module) resolveURL(env module.Environment) string {
	if m.url != "" {
		return m.url
	}
	if env.DatabaseURL != "" {
		return env.DatabaseURL
	}
	dataDir := env.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	return filepath.Join(dataDir, "db", "database.db")
}

func openStore(ctx context.Context, url string) (*storage.DB, error) {
	if path, ok := storage.SQLitePath(url); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := storage.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			name VARCHAR(255) PRIMARY KEY,
			version VARCHAR(64) NOT NULL,
			enabled BOOLEAN DEFAULT TRUE,
			loaded_at VARCHAR(32)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(255),
			created_at VARCHAR(32)
		)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating base tables: %w", err)
		}
	}
	return nil
}
