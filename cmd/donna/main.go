// Command donna is the operator CLI and daemon launcher for the task
// engine: enqueue and inspect tasks, drive scheduler passes, run the
// daemon, and poke the channel surfaces.
package main

import (
	"errors"
	"fmt"
	"os"

	"donna/internal/taskerr"
)

// Exit codes, stable for scripts and crontabs.
const (
	exitOK      = 0
	exitUsage   = 1
	exitConfig  = 2
	exitRuntime = 3
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cli := newCLI()
	root := cli.newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		switch {
		case !cli.commandRan || isUsage(err):
			return exitUsage
		case taskerr.IsConfiguration(err):
			return exitConfig
		default:
			return exitRuntime
		}
	}
	return exitOK
}

// usageError marks problems in how the command was invoked: bad flags,
// bad arguments, unknown subcommands. Execute maps them to exit 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func isUsage(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}
