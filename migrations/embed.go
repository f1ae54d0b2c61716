// Package migrations embeds the PostgreSQL schema migrations so that the
// binaries can migrate without a migrations directory on disk.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
