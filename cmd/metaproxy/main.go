package main

import (
	"os"

	"github.com/majorcontext/metaproxy/cmd/metaproxy/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
