package main

import (
	"os"

	"github.com/oagudo/txoutbox/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
