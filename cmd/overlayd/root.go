package main

import (
	"github.com/busybox42/aegis-overlay/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// flags holds the command line overrides shared by run and shell.
type flags struct {
	configFile string
	listen     string
	advertise  string
	id         uint64
	bootstrap  []string
	storage    string
	dbPath     string
	capacity   string
	metrics    string
	tor        bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "overlayd",
		Short:         "Overlay routing node brokering storage placement",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "config file (YAML)")

	root.AddCommand(
		newRunCmd(f),
		newShellCmd(f),
		newKeygenCmd(),
		newInitCmd(),
	)
	return root
}

func addNodeFlags(cmd *cobra.Command, f *flags) {
	fs := cmd.Flags()
	fs.StringVar(&f.listen, "listen", "", "overlay listen address (host:port)")
	fs.StringVar(&f.advertise, "advertise", "", "endpoint other nodes reach us at")
	fs.Uint64Var(&f.id, "id", 0, "fixed node id (0 draws a random one)")
	fs.StringSliceVar(&f.bootstrap, "bootstrap", nil, "bootstrap contacts (ip:port), tried in order")
	fs.StringVar(&f.storage, "storage", "", "placement ledger driver: memory or sqlite")
	fs.StringVar(&f.dbPath, "db", "", "sqlite ledger path")
	fs.StringVar(&f.capacity, "capacity", "", "storage capacity offered to the overlay (e.g. 10GB)")
	fs.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.tor, "tor", false, "route outbound connections through an embedded Tor")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
}

// loadConfig reads the config file, if any, and applies the flags the
// user actually set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("listen") {
		cfg.Node.Listen = f.listen
	}
	if fs.Changed("advertise") {
		cfg.Node.Advertise = f.advertise
	}
	if fs.Changed("id") {
		cfg.Node.ID = f.id
	}
	if fs.Changed("bootstrap") {
		cfg.Bootstrap = f.bootstrap
	}
	if fs.Changed("storage") {
		cfg.Storage.Driver = f.storage
	}
	if fs.Changed("db") {
		cfg.Storage.Path = f.dbPath
	}
	if fs.Changed("capacity") {
		capacity, err := parseCapacity(f.capacity)
		if err != nil {
			return nil, err
		}
		cfg.Storage.Capacity = capacity
	}
	if fs.Changed("metrics") {
		cfg.Metrics.Listen = f.metrics
	}
	if fs.Changed("tor") {
		cfg.Tor.Enabled = f.tor
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}
