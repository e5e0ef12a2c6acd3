package main

import (
	"os"

	"github.com/tkingovr/isnad/cmd/isnad/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
