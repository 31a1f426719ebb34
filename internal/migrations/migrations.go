package migrations

import "embed"

// Files holds the schema migrations, applied in name order (001_init.sql,
// 002_...). Each file must run on both PostgreSQL and SQLite.
//
//go:embed *.sql
var Files embed.FS
