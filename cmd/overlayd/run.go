package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/aegis-overlay/internal/config"
	"github.com/busybox42/aegis-overlay/pkg/server"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := startServer(ctx, cfg, f.configFile)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			log.WithFields(logrus.Fields{
				"self":     srv.Node().Self().String(),
				"capacity": humanize.Bytes(cfg.Storage.Capacity),
			}).Info("Overlay node is running")
			return srv.Run(ctx)
		},
	}
	addNodeFlags(cmd, f)
	return cmd
}

func startServer(ctx context.Context, cfg *config.Config, configFile string) (*server.Server, error) {
	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	if configFile != "" {
		if err := srv.WatchConfig(ctx, configFile); err != nil {
			log.WithField("error", err.Error()).Warn("Config hot reload disabled")
		}
	}
	return srv, nil
}

func parseCapacity(s string) (uint64, error) {
	capacity, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid capacity %q: %w", s, err)
	}
	return capacity, nil
}
