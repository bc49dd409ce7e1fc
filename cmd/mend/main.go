package main

import (
	"os"

	"github.com/mend-engine/mend/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Main(version))
}
