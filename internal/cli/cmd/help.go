package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/brindle/cortexm/internal/cli"
	"github.com/brindle/cortexm/internal/log"
)

type help struct {
	cmd []cli.Command
}

var _ cli.Command = (*help)(nil)

func (help) Description() string {
	return "display help for commands"
}

func (h help) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("help", flag.ExitOnError)
}

func (h help) Run(_ context.Context, args []string, out io.Writer, _ *log.Logger) int {
	if len(args) != 1 {
		if err := h.Usage(out); err != nil {
			return 1
		}

		return 0
	}

	for _, cmd := range h.commandsAndSelf() {
		if args[0] == cmd.FlagSet().Name() {
			h.printCommandHelp(out, cmd)
			return 0
		}
	}

	fmt.Fprintf(out, "help: unknown command: %s\n", args[0])

	return 1
}

// commandsAndSelf lists every registered command plus help itself, in the
// order the listing should render.
func (h help) commandsAndSelf() []cli.Command {
	return append(append([]cli.Command(nil), h.cmd...), &h)
}

func (h *help) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
cortexm is a virtual machine and analysis tool for ARMv7-M firmware.

Usage:

        cortexm <command> [option]... [arg]...

Commands:`)
	if err != nil {
		return err
	}

	// Size the name column to the longest registered command.
	width := 0

	for _, cmd := range h.commandsAndSelf() {
		if n := len(cmd.FlagSet().Name()); n > width {
			width = n
		}
	}

	for _, cmd := range h.commandsAndSelf() {
		fmt.Fprintf(out, "  %-*s  %s\n", width, cmd.FlagSet().Name(), cmd.Description())
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Use `cortexm help <command>` to get help for a command.")

	return err
}

func (h *help) printCommandHelp(out io.Writer, cmd cli.Command) {
	fs := cmd.FlagSet()
	_ = fs.Parse(nil)

	fmt.Fprintf(out, "%s: %s\n", fs.Name(), cmd.Description())
	fmt.Fprint(out, "\nUsage:\n\n        cortexm ")

	if err := cmd.Usage(out); err != nil {
		return
	}

	fmt.Fprintln(out, "\nOptions:")

	fs.SetOutput(out)
	fs.PrintDefaults()
}

func Help(cmd []cli.Command) *help {
	return &help{
		cmd: cmd,
	}
}
