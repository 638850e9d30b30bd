package main

import (
	"os"

	"github.com/lazypower/heirloom/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
