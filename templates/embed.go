// Package templates embeds the default configuration and the Lua command
// template library.
package templates

import "embed"

//go:embed config.yaml lua
var FS embed.FS
