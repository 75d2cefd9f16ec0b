// Package dbmigrations exposes embedded SQL migrations for unionidx binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into unionidx binaries.
//
//go:embed *.sql
var Files embed.FS
