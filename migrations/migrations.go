// Package migrations embeds the SQL schema migrations applied to the image
// record database.
package migrations

import "embed"

// FS holds the ordered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
