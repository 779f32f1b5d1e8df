package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the embedded migration files of a dialect.
func Migrations(d Dialect) (fs.FS, error) {
	sub, err := fs.Sub(migrationFiles, path.Join("migrations", d.name))
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", d.name, err)
	}
	return sub, nil
}

// ApplyMigrations runs every *.up.sql file of fsys that is not yet recorded
// in schema_migrations, in file name order, each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, d Dialect, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := migrationNames(fsys, ".up.sql")
	if err != nil {
		return err
	}

	for _, version := range files {
		if migrated, err := isMigrated(ctx, db, d, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, d.bind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`), version, nowMillis()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}

	return nil
}

// RevertMigrations runs the *.down.sql files of every applied migration in
// reverse order and forgets them.
func RevertMigrations(ctx context.Context, db *sql.DB, d Dialect, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	downs, err := migrationNames(fsys, ".down.sql")
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))

	for _, down := range downs {
		version := strings.TrimSuffix(down, ".down.sql") + ".up.sql"
		if migrated, err := isMigrated(ctx, db, d, version); err != nil {
			return err
		} else if !migrated {
			continue
		}
		contents, err := fs.ReadFile(fsys, down)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", down, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", down, err)
		}
		if text := strings.TrimSpace(string(contents)); text != "" {
			if _, err := tx.ExecContext(ctx, text); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("execute migration %s: %w", down, err)
			}
		}
		if _, err := tx.ExecContext(ctx, d.bind(`DELETE FROM schema_migrations WHERE version=?`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("forget migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", down, err)
		}
	}
	return nil
}

func migrationNames(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, suffix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, d Dialect, version string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, d.bind(`SELECT COUNT(*) FROM schema_migrations WHERE version=?`), version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return n > 0, nil
}
