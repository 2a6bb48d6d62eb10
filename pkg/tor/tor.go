package tor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	defaultStartTimeout = 3 * time.Minute
	socksReadyTimeout   = 10 * time.Second
	maxStartAttempts    = 3
)

// Config controls the embedded Tor process.
type Config struct {
	// DataDir holds Tor state. Empty means a temporary directory that is
	// removed on Stop.
	DataDir string
	// SocksPort is the local SOCKS5 port. Zero picks a free port.
	SocksPort    int
	StartTimeout time.Duration
	Logger       *logrus.Entry
}

// Manager runs an embedded Tor instance whose SOCKS5 proxy carries the
// overlay's outbound connections.
type Manager struct {
	instance  *tor.Tor
	socksPort int
	dataDir   string
	tempDir   bool
	log       *logrus.Entry
}

// Start launches Tor and waits until its SOCKS5 proxy accepts connections.
// A failed attempt is retried on a new port.
func Start(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var lastErr error
	for attempt := 1; attempt <= maxStartAttempts; attempt++ {
		m, err := start(ctx, cfg, log)
		if err == nil {
			return m, nil
		}
		lastErr = err
		log.WithFields(logrus.Fields{
			"function": "Start",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Tor start attempt failed")

		if cfg.SocksPort != 0 || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to start Tor: %w", lastErr)
}

func start(ctx context.Context, cfg Config, log *logrus.Entry) (*Manager, error) {
	socksPort := cfg.SocksPort
	if socksPort == 0 {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to find a free SOCKS port: %w", err)
		}
		socksPort = port
	}

	dataDir, tempDir := cfg.DataDir, false
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "overlay-tor-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create Tor data directory: %w", err)
		}
		dataDir, tempDir = dir, true
	}
	cleanup := func() {
		if tempDir {
			os.RemoveAll(dataDir)
		}
	}

	log.WithFields(logrus.Fields{
		"function":   "Start",
		"socks_port": socksPort,
		"data_dir":   dataDir,
	}).Info("Starting embedded Tor")

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	t, err := tor.Start(startCtx, &tor.StartConf{
		DataDir:   dataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to launch Tor: %w", err)
	}

	if err := t.EnableNetwork(startCtx, true); err != nil {
		t.Close()
		cleanup()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}

	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	if !waitForSocks5Proxy(socksAddr, socksReadyTimeout) {
		t.Close()
		cleanup()
		return nil, fmt.Errorf("SOCKS5 proxy did not come up on %s", socksAddr)
	}

	log.WithFields(logrus.Fields{
		"function": "Start",
		"socks":    socksAddr,
	}).Info("Tor ready")

	return &Manager{
		instance:  t,
		socksPort: socksPort,
		dataDir:   dataDir,
		tempDir:   tempDir,
		log:       log,
	}, nil
}

// Dialer returns a SOCKS5 dialer that routes connections through Tor.
func (m *Manager) Dialer() (proxy.ContextDialer, error) {
	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort))
	d, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

func (m *Manager) SocksPort() int {
	return m.socksPort
}

// Stop shuts Tor down and removes a temporary data directory.
func (m *Manager) Stop() error {
	m.log.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Stopping Tor")

	var err error
	if m.instance != nil {
		err = m.instance.Close()
	}
	if m.tempDir {
		os.RemoveAll(m.dataDir)
	}
	return err
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForSocks5Proxy polls address until it accepts a TCP connection.
func waitForSocks5Proxy(address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}
