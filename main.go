// cortexm is the command-line interface to an ARMv7-M emulator for dynamic
// firmware analysis.
package main

import (
	"context"
	"os"

	"github.com/brindle/cortexm/internal/cli"
	"github.com/brindle/cortexm/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Demo(),
		cmd.Inspect(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
