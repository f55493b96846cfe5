// Package migrations embeds the SQL schema for the Postgres ticket backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
