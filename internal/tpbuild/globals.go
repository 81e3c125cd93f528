package tpbuild

import (
	"github.com/gookit/color"
)

// Global variables
var (
	Debug     bool
	Verbose   bool
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
