package utils

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
  name       TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// ApplyMigrations runs every *.sql file in fsys that is not yet recorded in
// schema_migrations, in lexical order, one transaction per file.
// It returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, err
		}
		ran := false
		err = WithTx(ctx, db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			if strings.TrimSpace(string(body)) != "" {
				if _, err := tx.ExecContext(ctx, string(body)); err != nil {
					return err
				}
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", path.Base(name), err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}
