package main

import (
	"os"

	"github.com/halvard/skald/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
