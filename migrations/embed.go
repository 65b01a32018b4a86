// Package migrations embeds the SQL migrations of the store server journal.
package migrations

import "embed"

// Files holds every .sql file in this directory; apply in name order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
