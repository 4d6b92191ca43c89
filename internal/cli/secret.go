package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nudge/internal/credential"
)

// newSecretCommand manages values referenced as "keyring:KEY" in config.
func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage keyring secrets referenced from config",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key>",
			Short: "Store a secret read from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				value := strings.TrimRight(line, "\r\n")
				if value == "" {
					if err != nil {
						return WrapExitError(ExitCommandError, "read secret", err)
					}
					return &ExitError{Code: ExitCommandError, Message: "empty secret"}
				}
				if err := credential.NewResolver().Set(args[0], value); err != nil {
					return WrapExitError(ExitCommandError, "secret set", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s; reference it as keyring:%s\n", args[0], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				err := credential.NewResolver().Delete(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "secret delete", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
