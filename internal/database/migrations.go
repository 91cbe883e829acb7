package database

import "embed"

// EmbeddedMigrations contains all SQL migration files embedded into the
// binary, so deployments never need migration files on disk.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
