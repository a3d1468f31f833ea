// Package main provides the born-detect CLI.
package main

import (
	"fmt"
	"os"
)

const version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
