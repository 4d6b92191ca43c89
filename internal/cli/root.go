// Package cli implements the nudge command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"nudge/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"

	// NewApp builds the application; tests replace it to inject notifiers.
	NewApp func(cfgPath string) (*app.App, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith builds the command tree around opts.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	if opts.NewApp == nil {
		opts.NewApp = func(p string) (*app.App, error) { return app.New(p) }
	}

	cmd := &cobra.Command{
		Use:   "nudge",
		Short: "Idempotent recurring reminders",
		Long: `nudge sends one-time reminders to subjects that become eligible over time.

Every (subject, notification kind) pair is recorded in a ledger, so a task
can fire as often as its schedule says without notifying anyone twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./nudge.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(
		newDeployCommand(opts),
		newRunCommand(opts),
		newFireCommand(opts),
		newStatusCommand(opts),
		newReportsCommand(opts),
		newCheckCommand(opts),
		newSecretCommand(),
		newVersionCommand(),
	)
	return cmd
}

func (o *RootOptions) open() (*app.App, error) {
	a, err := o.NewApp(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load "+o.ConfigPath, err)
	}
	return a, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{w: cmd.OutOrStdout(), json: o.Format == "json"}
}
