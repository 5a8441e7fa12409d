package main

import (
	"os"

	"github.com/go-delve/unwresume/cmd/unwresume/cmds"
	"github.com/go-delve/unwresume/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.UnwresumeVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
