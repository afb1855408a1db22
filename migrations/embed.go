// Package migrations embeds the gateway schema so the api binary can apply it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
