package main

import (
	"os"

	"github.com/feichai0017/tableforge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
