// Package main provides the entry point for the tonecapture CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/tonecapture/cmd/tonecapture/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
