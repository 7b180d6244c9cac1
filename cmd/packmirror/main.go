package main

import (
	"os"

	"github.com/packmirror/packmirror/internal/cmd"
)

// Build identity, injected via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)
	os.Exit(cmd.Execute())
}
