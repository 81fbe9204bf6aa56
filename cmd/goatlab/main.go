package main

import (
	"os"

	"github.com/gkobilansky/goatlab/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
