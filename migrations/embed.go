// Package migrations embeds the SQL migrations so the binary can apply
// them without the source tree present.
package migrations

import "embed"

// Files holds every .sql file in this directory (order matters: 001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
