package main

import (
	"os"

	"github.com/G-Research/loadsweep/cmd/loadsweep/cmd"
	"github.com/G-Research/loadsweep/internal/common/logging"
)

// Config is handled by cmd/params.go
func main() {
	logging.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
