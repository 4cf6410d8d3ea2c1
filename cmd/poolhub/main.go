package main

import (
	"os"

	"github.com/tomyedwab/poolhub/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
