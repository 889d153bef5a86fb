// Package migrations は SQLite ストアに埋め込む SQL マイグレーションです。
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
