// Package migrations embeds the forward-only SQL migration scripts
// applied idempotently at store startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
