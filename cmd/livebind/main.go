package main

import (
	"os"

	"github.com/wehubfusion/livebind/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
