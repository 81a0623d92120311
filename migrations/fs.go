// Package migrations embeds the SQL migration files consumed by the
// migrate command through golang-migrate's iofs source driver.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
