package migrations

import "embed"

// FS contains embedded migrations for the SQL version chain store, one
// directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
