package cli

import (
	"github.com/spf13/cobra"
)

func newReportsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reports [task]",
		Short: "List deployment reports, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := ""
			if len(args) == 1 {
				task = args[0]
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			reps, err := a.Reports(cmd.Context(), task, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "reports", err)
			}
			p := opts.printer(cmd)
			if p.json {
				return p.JSON(reps)
			}
			if len(reps) == 0 {
				p.Line("no reports")
				return nil
			}
			rows := make([][]string, 0, len(reps))
			for _, r := range reps {
				rows = append(rows, []string{formatTime(r.CreatedAt), r.TaskName, formatTime(r.FirstRunAt), r.Description})
			}
			p.Table([]string{"DEPLOYED", "TASK", "FIRST RUN", "DESCRIPTION"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum reports to list (0 for all)")
	return cmd
}
