package cli

import (
	"github.com/spf13/cobra"
)

func newDeployCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Install every configured task and record a report",
		Long: `Install replaces the registration of each configured task, so running
deploy on every release leaves exactly one registration per task.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			reports, deployErr := a.Deploy(cmd.Context())
			p := opts.printer(cmd)
			if p.json {
				if err := p.JSON(reports); err != nil {
					return err
				}
			} else if len(reports) > 0 {
				rows := make([][]string, 0, len(reports))
				for _, r := range reports {
					rows = append(rows, []string{r.TaskName, formatTime(r.FirstRunAt), r.Description})
				}
				p.Table([]string{"TASK", "FIRST RUN", "DESCRIPTION"}, rows)
			}
			if deployErr != nil {
				return WrapExitError(ExitFailure, "deploy failed", deployErr)
			}
			return nil
		},
	}
}
