// Package main is the entry point for the toe receive engine CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/toe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
