package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"nudge/internal/app"
)

type runOptions struct {
	deploy      bool
	stopTimeout time.Duration
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run fires deployed tasks on their cadence until interrupted. The config
file is watched and reloaded; registrations replaced by another deploy are
picked up on the next reconcile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), a, ro)
		},
	}
	cmd.Flags().BoolVar(&ro.deploy, "deploy", false, "deploy all tasks before starting")
	cmd.Flags().DurationVar(&ro.stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runDaemon(ctx context.Context, a *app.App, ro *runOptions) error {
	if ro.deploy {
		if _, err := a.Deploy(ctx); err != nil {
			_ = a.Close()
			return WrapExitError(ExitFailure, "deploy failed", err)
		}
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return WrapExitError(ExitCommandError, "start failed", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ro.stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return WrapExitError(ExitFailure, "daemon failed", err)
	}
	return nil
}
