package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/aegis-overlay/pkg/client/cmd"
	"github.com/spf13/cobra"
)

func newShellCmd(f *flags) *cobra.Command {
	c := &cobra.Command{
		Use:   "shell",
		Short: "Run a node with an interactive prompt",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(c, f)
			if err != nil {
				return err
			}
			// Keep the prompt readable.
			if !c.Flags().Changed("log-level") && f.configFile == "" {
				cfg.Log.Level = "warn"
			}

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			srv, err := startServer(ctx, cfg, f.configFile)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			done := make(chan error, 1)
			go func() { done <- srv.Run(ctx) }()

			select {
			case <-srv.Ready():
			case err := <-done:
				return err
			}

			shellErr := cmd.NewShell(srv, os.Stdin, os.Stdout).Run(ctx)
			cancel()
			if err := <-done; err != nil {
				return err
			}
			return shellErr
		},
	}
	addNodeFlags(c, f)
	return c
}
