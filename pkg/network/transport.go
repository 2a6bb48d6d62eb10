package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/semaphore"
)

// Transport carries overlay messages over TCP. Inbound connections are
// read and handed to a Deliverer; outbound messages reuse one pooled
// connection per endpoint.
type Transport struct {
	cfg     Config
	log     *logrus.Entry
	limiter ratelimit.Limiter
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	peers    map[netip.AddrPort]*Peer
	inbound  map[net.Conn]struct{}
	serving  bool
	closed   bool
}

func NewTransport(cfg Config) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: connTimeout}
	}
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = defaultAcceptRate
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = defaultMaxConcurrentSends
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		log:     cfg.Logger,
		limiter: ratelimit.New(cfg.AcceptRate),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentSends),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[netip.AddrPort]*Peer),
		inbound: make(map[net.Conn]struct{}),
	}

	t.wg.Add(1)
	go t.reapLoop()

	return t
}

// Bind opens the listener without serving it, so Addr is known before
// the Deliverer exists.
func (t *Transport) Bind() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = listener
	return nil
}

// Listen binds ListenAddr if needed and feeds every inbound frame to d.
func (t *Transport) Listen(d Deliverer) error {
	if err := t.Bind(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.serving {
		t.mu.Unlock()
		return errors.New("transport already serving")
	}
	t.serving = true
	listener := t.listener
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  listener.Addr().String(),
	}).Info("Transport listening")

	t.wg.Add(1)
	go t.acceptLoop(listener, d)
	return nil
}

// Addr is the bound listen address, or the zero value before Listen.
func (t *Transport) Addr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return netip.AddrPort{}
	}
	tcp, ok := t.listener.Addr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (t *Transport) acceptLoop(listener net.Listener, d Deliverer) {
	defer t.wg.Done()

	backoff := time.Duration(0)
	for {
		t.limiter.Take()

		conn, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			t.log.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
				"backoff":  backoff,
			}).Warn("Accept failed, retrying")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn, d)
	}
}

func (t *Transport) handleConnection(conn net.Conn, d Deliverer) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	log := t.log.WithFields(logrus.Fields{
		"function": "handleConnection",
		"remote":   conn.RemoteAddr().String(),
	})
	log.Debug("Accepted connection")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		data, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				log.Warn("Closing connection after oversized frame")
			}
			return
		}
		if data == nil {
			continue
		}
		if err := d.Deliver(t.ctx, data); err != nil {
			log.WithField("error", err.Error()).Debug("Delivery refused, closing connection")
			return
		}
	}
}

// Send writes data to addr, dialing if needed. A broken pooled connection
// is redialed once.
func (t *Transport) Send(ctx context.Context, addr netip.AddrPort, data []byte) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		p, err := t.peer(addr)
		if err != nil {
			return err
		}
		if err := p.Connect(ctx, t.cfg.Dialer); err != nil {
			if errors.Is(err, ErrClosed) {
				// Reaped between lookup and dial.
				lastErr = err
				continue
			}
			t.dropPeer(p)
			return fmt.Errorf("send to %s: %w", addr, err)
		}
		if lastErr = p.Send(data); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrFrameTooLarge) {
			return lastErr
		}
		t.dropPeer(p)
	}
	return fmt.Errorf("send to %s: %w", addr, lastErr)
}

func (t *Transport) peer(addr netip.AddrPort) (*Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	p, ok := t.peers[addr]
	if !ok {
		p = NewPeer(addr, t.log)
		t.peers[addr] = p
	}
	return p, nil
}

func (t *Transport) dropPeer(p *Peer) {
	t.mu.Lock()
	if t.peers[p.Address] == p {
		delete(t.peers, p.Address)
	}
	t.mu.Unlock()
	p.Close()
}

// PeerCount is the number of pooled outbound connections.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *Transport) reapLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.reapIdle(now)
		}
	}
}

func (t *Transport) reapIdle(now time.Time) {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	closed := 0
	for _, p := range peers {
		if now.Sub(p.LastActive()) > t.cfg.IdleTimeout {
			t.dropPeer(p)
			closed++
		}
	}
	if closed > 0 {
		t.log.WithFields(logrus.Fields{
			"function": "reapIdle",
			"closed":   closed,
		}).Debug("Closed idle connections")
	}
}

// Close stops accepting, closes every connection and waits for the
// transport's goroutines.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.inbound {
		conn.Close()
	}
	peers := t.peers
	t.peers = make(map[netip.AddrPort]*Peer)
	t.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	t.wg.Wait()
	return err
}
