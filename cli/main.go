package main

import (
	"os"

	"kiln/cli/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
