package main

import (
	"os"

	"github.com/PoyrazK/cloudload/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
