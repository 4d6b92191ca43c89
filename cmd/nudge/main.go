package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nudge/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cancel()
	os.Exit(cli.GetExitCode(err))
}
