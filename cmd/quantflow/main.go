package main

import (
	"os"

	"github.com/luwei/quantflow/cmd/quantflow/commands"
)

// main is the entry point for the quantflow CLI:
// go run ./cmd/quantflow [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
