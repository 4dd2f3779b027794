// Package migrations ships the schema migrations inside the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
