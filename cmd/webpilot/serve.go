package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/webpilot/pkg/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server.Address, a.service, a.pool, a.hub,
				server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
				server.WithLogger(a.logger.With("server")),
			)
			if err := srv.Start(ctx); err != nil {
				_ = a.Close(context.Background())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webpilot listening on %s\n", srv.BaseURL())

			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warnf("Server shutdown: %v", err)
			}
			return a.Close(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&address, "addr", "", "Listen address (overrides config)")
	return cmd
}
