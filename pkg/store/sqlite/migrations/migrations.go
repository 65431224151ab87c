// Package migrations embeds the archive tier's SQL schema migrations.
package migrations

import "embed"

// FS holds the SQL migration files consumed by golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
