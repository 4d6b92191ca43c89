package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X nudge/internal/cli.version=...".
var (
	version = "dev"
	commit  = "none"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show nudge version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "nudge %s (%s)\n", version, commit)
			return nil
		},
	}
}
