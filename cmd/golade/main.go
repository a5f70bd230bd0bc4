package main

import (
	"os"

	"github.com/3leaps/golade/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
