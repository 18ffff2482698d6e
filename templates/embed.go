// Package templates embeds the files written by taskkeeper init.
package templates

import "embed"

//go:embed config.yaml gitignore instructions
var FS embed.FS
