// Package migrations embeds the caisse-sync server schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
