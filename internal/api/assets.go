package api

import "embed"

//go:embed web/index.html web/manifest.json web/icon.svg
var assets embed.FS
