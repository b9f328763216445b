// Package migrations embeds the gymcore SQL schema into the binary.
//
// Files live at the root of FS and are applied with database.DB.Migrate.
package migrations

import "embed"

// FS holds every *.up.sql / *.down.sql migration.
//
//go:embed *.sql
var FS embed.FS
