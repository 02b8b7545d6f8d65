// Package main is the entry point for the Bastion detection and correlation engine.
package main

import (
	"fmt"
	"os"

	"bastion/cmd"
)

// main is the entry point.
func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
