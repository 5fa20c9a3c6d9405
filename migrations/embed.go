// Package migrations embeds the SQL migrations of the pg task store.
package migrations

import "embed"

// FS holds *.sql goose migrations.
//
//go:embed *.sql
var FS embed.FS
