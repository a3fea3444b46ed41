// Package main is the entry point for the marketpipe application.
package main

import (
	"os"

	"github.com/jmylchreest/marketpipe/cmd/marketpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
