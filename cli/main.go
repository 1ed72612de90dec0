package main

import (
	"os"

	"github.com/issdata/telemetry-stack/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
