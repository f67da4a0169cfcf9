// gbw lowers typed tree files to WebAssembly modules and runs them.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 1 for command and compile errors, 3 when the module traps.
const (
	exitError = 1
	exitTrap  = 3
)

// exitCodeError carries a specific process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	Verbose    bool
	Target     string
	ConfigFile string
	Warnings   []string
	Features   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gbw",
		Short: "gbw - a WebAssembly back end for typed trees",
		Long: `gbw lowers a type-checked program tree, written as YAML, into a
WebAssembly binary module. Like stepping into a time machine, but the machine
is a stack machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print each compilation phase")
	cmd.PersistentFlags().StringVarP(&opts.Target, "target", "t", "", "WebAssembly feature level (mvp|v2)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "read settings from a gbw.toml file")
	cmd.PersistentFlags().StringArrayVarP(&opts.Warnings, "warn", "W", nil, "enable a warning, or disable it with no-<name> (-Wall, -Wno-dead-branch)")
	cmd.PersistentFlags().StringArrayVarP(&opts.Features, "feature", "F", nil, "enable a feature, or disable it with no-<name> (-Fno-fold)")

	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newFlagsCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := exitError
		var ce *exitCodeError
		if errors.As(err, &ce) {
			code = ce.code
			err = ce.err
		}
		printError(err)
		os.Exit(code)
	}
}
