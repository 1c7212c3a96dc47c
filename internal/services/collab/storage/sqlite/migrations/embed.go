package migrations

import "embed"

// FS contains embedded SQLite migrations for collaboration change storage.
//
//go:embed *.sql
var FS embed.FS
