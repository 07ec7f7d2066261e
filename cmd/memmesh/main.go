// Package main is the entry point for the memmesh CLI.
package main

import (
	"os"

	"github.com/KafClaw/memmesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
