package main

import (
	"os"

	"github.com/reinholt/loom/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
