package cli

import (
	"github.com/spf13/cobra"

	"nudge/internal/ledger"
)

func newCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <notification-kind> <subject-kind> <subject-id>",
		Short: "Show whether a subject was notified",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ledger.Key{NotificationKind: args[0], SubjectKind: args[1], SubjectID: args[2]}
			if err := key.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "check", err)
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, ok, err := a.Check(cmd.Context(), key)
			if err != nil {
				return WrapExitError(ExitCommandError, "check", err)
			}
			p := opts.printer(cmd)
			if p.json {
				if !ok {
					return p.JSON(map[string]any{"key": key, "notified": false})
				}
				return p.JSON(map[string]any{"key": key, "notified": true, "record": rec})
			}
			if !ok {
				p.Line("%s %s not notified", dimStyle.Render("○"), key)
				return nil
			}
			p.Line("%s %s notified at %s", okStyle.Render("●"), key, formatTime(rec.SentAt))
			if rec.Description != "" {
				p.Line("  %s", dimStyle.Render(rec.Description))
			}
			return nil
		},
	}
}
