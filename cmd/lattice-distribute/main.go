// cmd/lattice-distribute/main.go
//
// Entry point for the feature distribution CLI. Every command lives in
// internal/cli so it can be exercised in tests.

package main

import (
	"os"

	"github.com/kingrea/lattice-distributor/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
