package main

import (
	"os"

	"github.com/ocbridge/ocbridge/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
