// Package migrations embeds the journal schema into the binary.
package migrations

import "embed"

// FS holds the *.sql migrations at its root; pass "." as the directory to
// database.Migrate.
//
//go:embed *.sql
var FS embed.FS
