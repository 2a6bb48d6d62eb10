package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of an overlay daemon.
type Config struct {
	Node      NodeConfig    `yaml:"node"`
	Overlay   OverlayConfig `yaml:"overlay"`
	Bootstrap []string      `yaml:"bootstrap,omitempty"`
	Storage   StorageConfig `yaml:"storage"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Tor       TorConfig     `yaml:"tor"`
	Log       LogConfig     `yaml:"log"`
}

type NodeConfig struct {
	// Listen is the TCP address to bind.
	Listen string `yaml:"listen"`
	// Advertise is the endpoint other nodes reach us at. Defaults to the
	// bound address, which must then be a concrete IP.
	Advertise string `yaml:"advertise"`
	// ID pins the position on the id line. Zero draws a random one.
	ID     uint64 `yaml:"id"`
	KeyDir string `yaml:"key_dir"`
	// Owner is written into the auth metadata of Puts this node signs.
	Owner string `yaml:"owner"`
}

type OverlayConfig struct {
	MaxNeighbours    int           `yaml:"max_neighbours"`
	NeighbourTimeout time.Duration `yaml:"neighbour_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	JoinAttempts     int           `yaml:"join_attempts"`
	SendWorkers      int           `yaml:"send_workers"`
	OutboxSize       int           `yaml:"outbox_size"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
}

type StorageConfig struct {
	// Driver is memory or sqlite.
	Driver            string `yaml:"driver"`
	Path              string `yaml:"path"`
	Capacity          uint64 `yaml:"capacity"`
	RequireSignatures bool   `yaml:"require_signatures"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen"`
}

type TorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DataDir   string `yaml:"data_dir"`
	SocksPort int    `yaml:"socks_port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration for a single local node.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Node: NodeConfig{
			Listen: "127.0.0.1:8080",
			KeyDir: filepath.Join(home, ".aegis"),
		},
		Overlay: OverlayConfig{
			MaxNeighbours:    2,
			NeighbourTimeout: 30 * time.Second,
			RequestTimeout:   30 * time.Second,
			JoinTimeout:      60 * time.Second,
			JoinAttempts:     5,
			SendWorkers:      4,
			OutboxSize:       1024,
			SendTimeout:      10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			Capacity: 1 << 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Node.Listen); err != nil {
		errs = append(errs, fmt.Errorf("node.listen: %w", err))
	}
	if c.Node.Advertise != "" {
		if _, err := netip.ParseAddrPort(c.Node.Advertise); err != nil {
			errs = append(errs, fmt.Errorf("node.advertise: %w", err))
		}
	}
	for i, contact := range c.Bootstrap {
		if _, err := netip.ParseAddrPort(contact); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap[%d]: %w", i, err))
		}
	}

	o := c.Overlay
	if o.MaxNeighbours <= 0 {
		errs = append(errs, errors.New("overlay.max_neighbours must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"neighbour_timeout": o.NeighbourTimeout,
		"request_timeout":   o.RequestTimeout,
		"join_timeout":      o.JoinTimeout,
		"send_timeout":      o.SendTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("overlay.%s must be positive", name))
		}
	}
	if o.JoinAttempts <= 0 || o.SendWorkers <= 0 || o.OutboxSize <= 0 {
		errs = append(errs, errors.New("overlay.join_attempts, send_workers and outbox_size must be positive"))
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BootstrapAddrs returns the parsed contact list. Call after Validate.
func (c *Config) BootstrapAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(c.Bootstrap))
	for _, contact := range c.Bootstrap {
		if ap, err := netip.ParseAddrPort(contact); err == nil {
			addrs = append(addrs, ap)
		}
	}
	return addrs
}

// ApplyLogging sets level and formatter on l.
func ApplyLogging(l *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if lc.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
