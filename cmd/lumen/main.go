package main

import (
	"os"

	"Lumen/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
