// Package migrations holds the Postgres schema. The embedded SQLite store
// carries its own DDL.
package migrations

import "embed"

// FS holds the numbered *.sql files applied by storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
