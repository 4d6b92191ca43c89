package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured tasks and their registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "status", err)
			}
			p := opts.printer(cmd)
			if p.json {
				return p.JSON(status)
			}
			if len(status) == 0 {
				p.Line("no tasks configured")
				return nil
			}
			rows := make([][]string, 0, len(status))
			for _, s := range status {
				drift := dimStyle.Render("-")
				if s.Drift {
					drift = warnStyle.Render("redeploy")
				}
				rows = append(rows, []string{
					s.Name,
					yesNo(s.Configured),
					yesNo(s.Registered),
					s.Cadence,
					s.Queue,
					formatTime(s.NextRunAt),
					drift,
				})
			}
			p.Table([]string{"TASK", "CONFIGURED", "DEPLOYED", "CADENCE", "QUEUE", "NEXT RUN", "DRIFT"}, rows)
			p.Line("%s", dimStyle.Render(strconv.Itoa(len(status))+" task(s)"))
			return nil
		},
	}
}
