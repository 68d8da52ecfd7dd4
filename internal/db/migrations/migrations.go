// Package migrations embeds the local store's goose migrations.
package migrations

import "embed"

// FS holds the SQL migration files applied by db.Open.
//
//go:embed *.sql
var FS embed.FS
