package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Peer is a pooled outbound connection to one overlay endpoint. Frames are
// a big-endian uint32 length followed by the payload; a zero length is a
// keep-alive.
type Peer struct {
	Address netip.AddrPort

	mu         sync.Mutex
	conn       net.Conn
	connected  bool
	lastActive time.Time
	retired    bool
	done       chan struct{}
	log        *logrus.Entry
}

func NewPeer(addr netip.AddrPort, log *logrus.Entry) *Peer {
	return &Peer{
		Address:    addr,
		lastActive: time.Now(),
		log:        log,
	}
}

func (p *Peer) Connect(ctx context.Context, dialer proxy.ContextDialer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retired {
		return ErrClosed
	}
	if p.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", p.Address.String())
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	p.conn = conn
	p.connected = true
	p.lastActive = time.Now()
	p.done = make(chan struct{})

	go p.handleConnection(conn, p.done)

	return nil
}

func (p *Peer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

// Close disconnects and refuses any later Connect.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retired = true
	return p.closeLocked()
}

func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// LastActive is when a frame was last written.
func (p *Peer) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

// Send writes one frame. A failed write closes the connection.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}

	if err := writeFrame(p.conn, data); err != nil {
		p.closeLocked()
		return fmt.Errorf("failed to write message: %w", err)
	}

	p.lastActive = time.Now()
	return nil
}

func (p *Peer) closeLocked() error {
	if !p.connected {
		return nil
	}
	p.log.WithFields(logrus.Fields{
		"function": "Disconnect",
		"peer":     p.Address.String(),
	}).Debug("Disconnecting from peer")

	err := p.conn.Close()
	p.conn = nil
	p.connected = false
	close(p.done)
	return err
}

// handleConnection keeps conn alive until either side closes it. The
// remote never writes on an outbound connection, so the read loop only
// exists to notice the close.
func (p *Peer) handleConnection(conn net.Conn, done chan struct{}) {
	go func() {
		for {
			if _, err := readFrame(conn); err != nil {
				break
			}
		}
		p.mu.Lock()
		if p.conn == conn {
			p.closeLocked()
		}
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.conn != conn {
				p.mu.Unlock()
				return
			}
			if err := writeFrame(conn, nil); err != nil {
				p.closeLocked()
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}

func writeFrame(conn net.Conn, data []byte) error {
	if len(data) > maxMsgSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(buf)
	return err
}

// readFrame returns the next payload, or nil for a keep-alive.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 {
		return nil, nil
	}
	if msgLen > maxMsgSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
