// Package migrations embeds the SQL schema of the session journal.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
