// Package migrations embeds the SQL migrations applied by goose at server
// start (MIGRATE=true) and in integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
