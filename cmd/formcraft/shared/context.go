// Package shared holds state passed to every formcraft command.
package shared

import (
	"context"
	"database/sql"
	"fmt"

	"formcraft/api/internal/config"
	"formcraft/api/internal/store"
)

// Context carries flags set on the root command.
type Context struct {
	// ConfigPath points at an optional YAML file layered over the environment.
	ConfigPath string
}

func (c *Context) Config() (config.Config, error) {
	if c.ConfigPath == "" {
		return config.Load(), nil
	}
	cfg, err := config.LoadFile(c.ConfigPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config %s: %w", c.ConfigPath, err)
	}
	return cfg, nil
}

// OpenDatabase connects to Postgres and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}
