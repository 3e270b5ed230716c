package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/webpilot/pkg/executor/cli"
	"github.com/entrhq/webpilot/pkg/notify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		startURL    string
		budget      int
		showPlanner bool
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one task and print its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The printer is in-process; no heartbeat needed.
			a, err := newApp(ctx, cfg, notify.WithHeartbeat(0, 0))
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(context.Background())
			}()

			owner := "cli-" + uuid.NewString()
			printer := cli.NewPrinter(cli.WithWriter(cmd.OutOrStdout()), cli.WithShowPlanner(showPlanner))
			client := a.hub.Register(owner, printer)
			defer a.hub.Unregister(client)

			id, err := a.service.StartTask(ctx, owner, args[0], startURL, budget)
			if err != nil {
				return err
			}
			a.logger.Infof("Started task %s", id)

			select {
			case <-printer.Done():
			case <-ctx.Done():
				if err := a.service.Cancel(context.Background(), id); err != nil {
					a.logger.Warnf("Cancel task %s: %v", id, err)
				}
				return fmt.Errorf("interrupted; task %s cancelled", id)
			}

			if _, err := printer.Outcome(); err != nil {
				return fmt.Errorf("task %s failed: %w", id, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&startURL, "url", "u", "", "URL to start from")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "Maximum number of steps (0 uses the configured default)")
	cmd.Flags().BoolVar(&showPlanner, "show-planner", false, "Print the planner's streamed reasoning")
	return cmd
}
