package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"nudge/internal/app"
	"nudge/internal/registrar"
)

func newFireCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fire <task>",
		Short: "Run one firing of a task now",
		Long: `Fire notifies every eligible subject that has not been notified for the
task's notification kind. Failed subjects are retried by the next firing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, fireErr := a.FireNow(cmd.Context(), args[0])
			if errors.Is(fireErr, app.ErrUnknownTask) {
				return WrapExitError(ExitCommandError, "fire", fireErr)
			}
			if err := printBatch(opts.printer(cmd), res); err != nil {
				return err
			}
			switch {
			case fireErr != nil:
				return WrapExitError(ExitCommandError, "firing aborted", fireErr)
			case res.Failed() > 0:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d notification(s) failed", res.Failed())}
			}
			return nil
		},
	}
}

func printBatch(p printer, res registrar.BatchResult) error {
	if p.json {
		return p.JSON(res)
	}
	p.Table(
		[]string{"TASK", "CONSIDERED", "NOTIFIED", "ALREADY", "DUPLICATES", "FAILED", "TOOK"},
		[][]string{{
			res.TaskName,
			strconv.Itoa(res.Considered),
			okStyle.Render(strconv.Itoa(res.Notified)),
			strconv.Itoa(res.AlreadyNotified),
			strconv.Itoa(res.Duplicates),
			failCount(res.Failed()),
			res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
		}},
	)
	for _, f := range res.Failures {
		p.Line("  %s %s/%s: %v", failStyle.Render("✗"), f.Subject.Kind, f.Subject.ID, f.Err)
	}
	if res.Aborted {
		p.Line("%s", warnStyle.Render("batch aborted; remaining subjects run on the next firing"))
	}
	return nil
}

func failCount(n int) string {
	if n == 0 {
		return strconv.Itoa(n)
	}
	return failStyle.Render(strconv.Itoa(n))
}
