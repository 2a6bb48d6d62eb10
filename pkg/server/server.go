package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/busybox42/aegis-overlay/internal/config"
	"github.com/busybox42/aegis-overlay/internal/store"
	"github.com/busybox42/aegis-overlay/pkg/crypto"
	"github.com/busybox42/aegis-overlay/pkg/dht"
	"github.com/busybox42/aegis-overlay/pkg/network"
	"github.com/busybox42/aegis-overlay/pkg/tor"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	keyName         = "node"
	shutdownTimeout = 5 * time.Second
)

// Server wires one overlay node to its transport, placement ledger, keys
// and metrics endpoint.
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger
	log    *logrus.Entry

	keys      *crypto.KeyPair
	store     store.Store
	tor       *tor.Manager
	transport *network.Transport
	registry  *prometheus.Registry
	node      *dht.Node
	ready     chan struct{}
}

// New builds every component and binds the overlay port. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.ApplyLogging(logger, cfg.Log); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		log:      logrus.NewEntry(logger).WithField("component", "server"),
		registry: prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	defer func() {
		if err != nil {
			srv.Shutdown()
		}
	}()

	keys, created, err := crypto.LoadOrCreateKeyPair(cfg.Node.KeyDir, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	srv.keys = keys
	srv.log.WithFields(logrus.Fields{
		"function": "New",
		"key_dir":  cfg.Node.KeyDir,
		"created":  created,
	}).Info("Keys initialized")

	srv.store, err = store.Open(store.Options{
		Driver:            cfg.Storage.Driver,
		Path:              cfg.Storage.Path,
		Capacity:          cfg.Storage.Capacity,
		RequireSignatures: cfg.Storage.RequireSignatures,
		Logger:            logrus.NewEntry(logger).WithField("component", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	tcfg := network.Config{
		ListenAddr: cfg.Node.Listen,
		Logger:     logrus.NewEntry(logger).WithField("component", "transport"),
	}
	if cfg.Tor.Enabled {
		srv.tor, err = tor.Start(ctx, tor.Config{
			DataDir:   cfg.Tor.DataDir,
			SocksPort: cfg.Tor.SocksPort,
			Logger:    logrus.NewEntry(logger).WithField("component", "tor"),
		})
		if err != nil {
			return nil, err
		}
		if tcfg.Dialer, err = srv.tor.Dialer(); err != nil {
			return nil, err
		}
	}
	srv.transport = network.NewTransport(tcfg)
	if err := srv.transport.Bind(); err != nil {
		return nil, err
	}

	self, err := srv.identity()
	if err != nil {
		return nil, err
	}

	srv.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o := cfg.Overlay
	srv.node = dht.New(dht.Config{
		Self:             self,
		MaxNeighbours:    o.MaxNeighbours,
		NeighbourTimeout: o.NeighbourTimeout,
		RequestTimeout:   o.RequestTimeout,
		JoinTimeout:      o.JoinTimeout,
		JoinAttempts:     o.JoinAttempts,
		OutboxSize:       o.OutboxSize,
		SendWorkers:      o.SendWorkers,
		SendTimeout:      o.SendTimeout,
		Logger:           logrus.NewEntry(logger).WithField("component", "overlay"),
		Metrics:          dht.NewMetrics(srv.registry),
	}, srv.store, srv.transport)

	srv.log.WithFields(logrus.Fields{
		"function": "New",
		"self":     self.String(),
		"storage":  cfg.Storage.Driver,
		"tor":      cfg.Tor.Enabled,
	}).Info("Server initialized")
	return srv, nil
}

func (srv *Server) identity() (types.Node, error) {
	var addr netip.AddrPort
	if srv.cfg.Node.Advertise != "" {
		addr = netip.MustParseAddrPort(srv.cfg.Node.Advertise)
	} else {
		addr = srv.transport.Addr()
		if addr.Addr().IsUnspecified() {
			return types.Node{}, fmt.Errorf("node.advertise is required when listening on %s", addr)
		}
	}
	if srv.cfg.Node.ID != 0 {
		return types.Node{ID: srv.cfg.Node.ID, Addr: addr}, nil
	}
	return types.NewNode(addr), nil
}

// Run serves until ctx is cancelled or a component fails. The first
// bootstrap contact that answers is used to join; with none configured
// this node starts a new overlay.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.transport.Listen(srv.node); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.node.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.bootstrap(ctx); err != nil {
			return err
		}
		close(srv.ready)
		return nil
	})
	if srv.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return srv.serveMetrics(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (srv *Server) bootstrap(ctx context.Context) error {
	contacts := srv.cfg.BootstrapAddrs()
	self := srv.node.Self().Addr

	var lastErr error
	tried := 0
	for _, contact := range contacts {
		if contact == self {
			continue
		}
		tried++
		if lastErr = srv.node.Join(ctx, contact); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		srv.log.WithFields(logrus.Fields{
			"function": "bootstrap",
			"contact":  contact.String(),
			"error":    lastErr.Error(),
		}).Warn("Bootstrap contact failed")
	}
	if tried == 0 {
		srv.log.WithField("function", "bootstrap").Info("No bootstrap contacts, starting a new overlay")
		return nil
	}
	return fmt.Errorf("failed to join overlay: %w", lastErr)
}

func (srv *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	hs := &http.Server{
		Addr:              srv.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"address":  hs.Addr,
		}).Info("Serving metrics")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

// WatchConfig reapplies the log settings whenever path changes.
func (srv *Server) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, srv.log, func(cfg *config.Config) {
		if err := config.ApplyLogging(srv.logger, cfg.Log); err != nil {
			srv.log.WithField("error", err.Error()).Warn("Failed to apply log settings")
		}
	})
}

func (srv *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{})
}

// Ready is closed once bootstrap has finished.
func (srv *Server) Ready() <-chan struct{} {
	return srv.ready
}

func (srv *Server) Node() *dht.Node {
	return srv.node
}

func (srv *Server) Keys() *crypto.KeyPair {
	return srv.keys
}

func (srv *Server) Store() store.Store {
	return srv.store
}

// Put reserves space for key somewhere in the overlay, signing the request
// with this node's key.
func (srv *Server) Put(ctx context.Context, key types.Key, size uint32) (*dht.Handle, error) {
	return srv.node.IssuePut(ctx, key, size, srv.keys.SignPut(key, srv.cfg.Node.Owner))
}

func (srv *Server) Get(ctx context.Context, key types.Key) (*dht.Handle, error) {
	return srv.node.IssueGet(ctx, key)
}

func (srv *Server) Contains(ctx context.Context, key types.Key) (*dht.Handle, error) {
	return srv.node.IssueContains(ctx, key)
}

// Shutdown releases everything New acquired. Call after Run returns.
func (srv *Server) Shutdown() error {
	var errs []error
	if srv.transport != nil {
		errs = append(errs, srv.transport.Close())
	}
	if srv.tor != nil {
		errs = append(errs, srv.tor.Stop())
	}
	if srv.store != nil {
		errs = append(errs, srv.store.Close())
	}
	return errors.Join(errs...)
}
