package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nutsfarm/internal/app"
	"nutsfarm/pkg/systemd"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 45 * time.Second

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the session scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(c.configPath(), app.WithLogLevel(c.logLevel()))
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			systemd.Ready()
			wdCtx, wdCancel := context.WithCancel(ctx)
			go systemd.Watchdog(wdCtx)

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if ctx.Err() == nil {
				reason = app.StopFatalError
			}
			wdCancel()
			systemd.Stopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}
