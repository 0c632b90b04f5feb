// Package migrations embeds the goose SQL migrations of the chatroom schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
