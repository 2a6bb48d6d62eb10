package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/busybox42/aegis-overlay/internal/config"
	"github.com/busybox42/aegis-overlay/pkg/crypto"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "keygen", "--dir", dir, "--name", "test")
	require.NoError(t, err)
	require.Contains(t, out, "Generated new key pair")

	kp, err := crypto.LoadKeyPair(dir, "test")
	require.NoError(t, err)

	out, err = execute(t, "keygen", "--dir", dir, "--name", "test")
	require.NoError(t, err)
	require.Contains(t, out, "Loaded existing")

	_, err = execute(t, "keygen", "--dir", dir, "--name", "test", "--force")
	require.NoError(t, err)
	replaced, err := crypto.LoadKeyPair(dir, "test")
	require.NoError(t, err)
	require.NotEqual(t, kp.PublicKey, replaced.PublicKey)
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "overlay.yaml")

	_, err := execute(t, "init", path)
	require.NoError(t, err)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	_, err = execute(t, "init", path)
	require.ErrorContains(t, err, "already exists")
	_, err = execute(t, "init", path, "--force")
	require.NoError(t, err)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	base := config.Default()
	base.Node.Listen = "127.0.0.1:7000"
	base.Log.Level = "debug"
	require.NoError(t, base.Save(path))

	f := &flags{}
	cmd := &cobra.Command{Use: "run"}
	addNodeFlags(cmd, f)
	f.configFile = path
	require.NoError(t, cmd.ParseFlags([]string{
		"--listen", "127.0.0.1:7100",
		"--bootstrap", "127.0.0.1:7001,127.0.0.1:7002",
		"--capacity", "2GB",
		"--id", "99",
	}))

	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7100", cfg.Node.Listen)
	require.Equal(t, uint64(99), cfg.Node.ID)
	require.Equal(t, []string{"127.0.0.1:7001", "127.0.0.1:7002"}, cfg.Bootstrap)
	require.Equal(t, uint64(2_000_000_000), cfg.Storage.Capacity)
	require.Equal(t, "debug", cfg.Log.Level, "unset flags keep file values")
	require.Equal(t, 30*time.Second, cfg.Overlay.RequestTimeout)
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"--capacity", "lots"},
		{"--storage", "redis"},
		{"--bootstrap", "not-an-address"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			f := &flags{}
			cmd := &cobra.Command{Use: "run"}
			addNodeFlags(cmd, f)
			require.NoError(t, cmd.ParseFlags(args))
			_, err := loadConfig(cmd, f)
			require.Error(t, err)
		})
	}
}
