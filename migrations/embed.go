// Package migrations embeds the schema and seed SQL applied by cmd/migrate.
package migrations

import "embed"

//go:embed *.sql seeds/*.sql
var Files embed.FS

const SeedsDir = "seeds"
