// Package migrations holds the goose migrations shared by the Postgres and
// SQLite backends. Statements stay within the SQL both dialects accept.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
