// Package migrations embeds the SQL schema migrations for the postgres
// gateway so they ship inside the binary.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
