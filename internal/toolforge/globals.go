package toolforge

import (
	"io"
	"os"
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	ConfigFile string
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH

	// logger receives library diagnostics. It is stderr unless the CLI runs
	// with --quiet or prints JSON.
	logger io.Writer = os.Stderr
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

// SetLogger redirects library diagnostics. Passing nil discards them.
func SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	logger = w
}
