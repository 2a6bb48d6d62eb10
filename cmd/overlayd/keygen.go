package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/busybox42/aegis-overlay/internal/config"
	"github.com/busybox42/aegis-overlay/pkg/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var dir, name string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the node key pair used to sign puts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				kp      *crypto.KeyPair
				created bool
				err     error
			)
			if force {
				if kp, err = crypto.GenerateKeyPair(); err == nil {
					err = kp.Save(dir, name)
				}
				created = true
			} else {
				kp, created, err = crypto.LoadOrCreateKeyPair(dir, name)
			}
			if err != nil {
				return err
			}

			state := "Loaded existing"
			if created {
				state = "Generated new"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key pair in %s\nPublic key: %s\n", state, dir, hex.EncodeToString(kp.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", config.Default().Node.KeyDir, "key directory")
	cmd.Flags().StringVar(&name, "name", "node", "key file name")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key pair")
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
