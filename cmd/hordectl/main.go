// Package main is the entrypoint for the hordectl operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kiranshivaraju/hordetrack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
