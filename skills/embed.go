// Package defaultskills provides the skill files shipped with rotbot.
// They are loaded at startup unless skills.disable_builtin is set, and
// copied out by the init subcommand.
//
// The runtime skill loader lives in internal/skills.
package defaultskills

import "embed"

// FS contains the shipped skill markdown files.
//
//go:embed *.md
var FS embed.FS
