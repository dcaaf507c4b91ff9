package main

import (
	"os"

	"github.com/sdfadb/sdfadb/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
