package main

import (
	"fmt"
	"os"

	"github.com/lucasnoah/patchloop/internal/cli"
	"github.com/lucasnoah/patchloop/internal/pipeline"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "patchloop:", err)
		os.Exit(pipeline.ExitCode(err))
	}
}
