package main

import (
	"os"

	"github.com/JamesPaynter/mycelium/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithExitCode())
}
