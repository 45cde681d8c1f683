// Package migrations registers the schema migrations run by db.Migrate.
package migrations

import "embed"

// FS holds the migration sources so goose can list them without the source tree.
//
//go:embed *.go
var FS embed.FS
