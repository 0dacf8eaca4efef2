package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes schema changes when several keiro nodes start
// against the same database at once.
const migrationLockKey int64 = 0x6b6569726f // "keiro"

// migration is one forward-only SQL file.
type migration struct {
	name string
	sql  string
	sum  string
}

// loadMigrations reads every *.sql file at the root of fsys in name order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{name: path.Base(name), sql: string(body), sum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// RunMigrations applies the files in fsys that schema_migrations has not
// seen. Each file runs in its own transaction together with its bookkeeping
// row. A file whose contents changed after it was applied is reported as an
// error rather than silently skipped.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	pending, err := loadMigrations(fsys)
	if err != nil {
		return err
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: take migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn.Conn())
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range pending {
		if sum, ok := applied[m.name]; ok {
			if sum != "" && sum != m.sum {
				return fmt.Errorf("storage: migration %s changed after it was applied", m.name)
			}
			continue
		}
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, m.name, m.sum)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", m.name, err)
		}
		db.logger.Info("storage: migration applied", "file", m.name)
		ran++
	}
	db.logger.Debug("storage: schema up to date", "applied", ran, "known", len(pending))
	return nil
}

// appliedMigrations maps recorded versions to their checksums.
func appliedMigrations(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var v [2]string
		err := row.Scan(&v[0], &v[1])
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	out := make(map[string]string, len(applied))
	for _, v := range applied {
		out[v[0]] = v[1]
	}
	return out, nil
}
