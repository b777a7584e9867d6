// Package cli contains the command-line interface.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/brindle/cortexm/internal/log"
)

// Command represents a sub-command in the CLI. Each sub-command carries its
// own flags and action; its name is its FlagSet's name.
type Command interface {
	// FlagSet returns a set of command options the command accepts.
	FlagSet() *flag.FlagSet

	// Description returns a brief description of the command's function.
	Description() string

	// Usage prints detailed command documentation.
	Usage(out io.Writer) error

	// Run executes the command with arguments. Command output should be written to |out|. It
	// returns an exit code.
	Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int
}

// Commander is a CLI command-runner that handles the life cycle of a CLI
// command execution: it resolves the sub-command named on the command line,
// parses that command's flags, and runs it.
type Commander struct {
	ctx context.Context
	log *log.Logger

	help   Command
	names  []string // registration order, for help listings
	byName map[string]Command
}

// New creates a new |Commander| that can start sub-commands.
func New(ctx context.Context) *Commander {
	return &Commander{
		ctx:    ctx,
		byName: make(map[string]Command),
	}
}

// Execute resolves and runs a command. With no arguments, or with a name no
// command registered, the help command runs instead and the exit code is
// non-zero.
func (cli *Commander) Execute(args []string) int {
	if len(args) == 0 {
		flag.Parse()
		cli.help.Run(cli.ctx, nil, os.Stdout, cli.log)

		return 1
	}

	found, ok := cli.byName[args[0]]
	if !ok {
		if cli.log != nil {
			cli.log.Error("unknown command", "name", args[0])
		}

		cli.help.Run(cli.ctx, nil, os.Stdout, cli.log)

		return 2
	}

	// We found our command to run. Now, we slice off the first argument, the
	// command name, and parse the command's flags.
	fs := found.FlagSet()

	if err := fs.Parse(args[1:]); err != nil {
		cli.log.Error("parse error", "err", err)
		return 1
	}

	return found.Run(cli.ctx, fs.Args(), os.Stdout, cli.log)
}

// Lookup returns the registered command with the given name.
func (cli *Commander) Lookup(name string) (Command, bool) {
	cmd, ok := cli.byName[name]
	return cmd, ok
}

// WithCommands registers a list of commands as sub-commands, keyed by their
// flag-set names. A later registration with the same name wins.
func (cli *Commander) WithCommands(cmds []Command) *Commander {
	for _, cmd := range cmds {
		name := cmd.FlagSet().Name()

		if _, seen := cli.byName[name]; !seen {
			cli.names = append(cli.names, name)
		}

		cli.byName[name] = cmd
	}

	return cli
}

// WithHelp configures the help command, run when no or an unknown
// sub-command is named.
func (cli *Commander) WithHelp(cmd Command) *Commander {
	cli.help = cmd
	return cli
}

// WithLogger configures the logger for the CLI. Logs are written to the
// given stream, conventionally os.Stderr to leave os.Stdout for program
// output.
func (cli *Commander) WithLogger(out *os.File) *Commander {
	logger := log.NewFormattedLogger(out)
	cli.log = logger

	log.SetDefault(logger)

	return cli
}

// Type aliases from std lib.
type (
	Flag    = flag.Flag
	FlagSet = flag.FlagSet
)
