package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

// Migration is one numbered schema step with its forward and reverse files.
type Migration struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// ListMigrations returns the migrations in dir ordered by version.
func ListMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		item := byVersion[match[1]]
		if item == nil {
			item = &Migration{Version: match[1]}
			byVersion[match[1]] = item
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			if item.UpPath != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", match[1])
			}
			item.UpPath = path
			item.Name = entry.Name()
		} else {
			if item.DownPath != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", match[1])
			}
			item.DownPath = path
		}
	}

	items := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

// ApplyMigrations runs every pending up migration in its own transaction and
// returns the names of the ones it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, migration := range migrations {
		if migration.UpPath == "" {
			continue
		}
		if done, err := isMigrated(ctx, db, migration.Name); err != nil {
			return applied, err
		} else if done {
			continue
		}

		contents, err := os.ReadFile(migration.UpPath)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", migration.Name, err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", migration.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, migration.Name); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.Name, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, migration.Name)
	}

	return applied, nil
}

// RollbackMigrations reverts the newest applied migrations, at most steps of
// them, and returns the names it reverted.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	reverted := make([]string, 0)
	for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
		migration := migrations[i]
		if migration.UpPath == "" {
			continue
		}
		done, err := isMigrated(ctx, db, migration.Name)
		if err != nil {
			return reverted, err
		}
		if !done {
			continue
		}
		if migration.DownPath == "" {
			return reverted, fmt.Errorf("migration %s has no down file", migration.Name)
		}

		contents, err := os.ReadFile(migration.DownPath)
		if err != nil {
			return reverted, fmt.Errorf("read migration %s: %w", migration.DownPath, err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if text := strings.TrimSpace(string(contents)); text != "" {
				if _, err := tx.ExecContext(ctx, text); err != nil {
					return fmt.Errorf("revert migration %s: %w", migration.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, migration.Name); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", migration.Name, err)
			}
			return nil
		})
		if err != nil {
			return reverted, err
		}
		reverted = append(reverted, migration.Name)
	}
	return reverted, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
