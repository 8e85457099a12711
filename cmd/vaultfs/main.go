// Package main is the entry point for the vaultfs CLI.
package main

import (
	"os"

	"github.com/absfs/vaultfs/cmd/vaultfs/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
