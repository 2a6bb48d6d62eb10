package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/dht"
	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	frames chan []byte
	refuse bool
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan []byte, 64)}
}

func (r *recorder) Deliver(ctx context.Context, data []byte) error {
	if r.refuse {
		return errors.New("refused")
	}
	select {
	case r.frames <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recorder) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func getAvailablePort() (int, error) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func newListeningTransport(t *testing.T, d Deliverer) *Transport {
	t.Helper()
	tr := NewTransport(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, tr.Listen(d))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportSendReceive(t *testing.T) {
	rec := newRecorder()
	server := newListeningTransport(t, rec)
	client := NewTransport(Config{Logger: quietLogger()})
	defer client.Close()

	addr := server.Addr()
	require.True(t, addr.IsValid())
	require.True(t, addr.Addr().Is4())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send(ctx, addr, []byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, []byte(fmt.Sprintf("msg-%d", i)), rec.next(t), "frames arrive in order on one connection")
	}
	require.Equal(t, 1, client.PeerCount(), "one pooled connection per endpoint")
}

func TestTransportFixedPort(t *testing.T) {
	port, err := getAvailablePort()
	require.NoError(t, err)

	tr := NewTransport(Config{ListenAddr: fmt.Sprintf("127.0.0.1:%d", port), Logger: quietLogger()})
	defer tr.Close()
	require.Equal(t, netip.AddrPort{}, tr.Addr())
	require.NoError(t, tr.Listen(newRecorder()))
	require.Equal(t, uint16(port), tr.Addr().Port())
}

func TestTransportConcurrentSends(t *testing.T) {
	rec := newRecorder()
	server := newListeningTransport(t, rec)
	client := NewTransport(Config{MaxConcurrentSends: 2, Logger: quietLogger()})
	defer client.Close()

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := client.Send(context.Background(), server.Addr(), []byte{byte(i)}); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[byte]bool)
	for i := 0; i < senders; i++ {
		seen[rec.next(t)[0]] = true
	}
	require.Len(t, seen, senders)
}

func TestTransportSendUnreachable(t *testing.T) {
	port, err := getAvailablePort()
	require.NoError(t, err)

	client := NewTransport(Config{Logger: quietLogger()})
	defer client.Close()

	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	require.Error(t, client.Send(context.Background(), addr, []byte("x")))
	require.Zero(t, client.PeerCount(), "failed dials are not pooled")
}

func TestTransportRedialsAfterRemoteRestart(t *testing.T) {
	rec := newRecorder()
	server := NewTransport(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, server.Listen(rec))
	addr := server.Addr()

	client := NewTransport(Config{Logger: quietLogger()})
	defer client.Close()

	require.NoError(t, client.Send(context.Background(), addr, []byte("before")))
	require.Equal(t, []byte("before"), rec.next(t))
	require.NoError(t, server.Close())

	restarted := NewTransport(Config{ListenAddr: addr.String(), Logger: quietLogger()})
	require.NoError(t, restarted.Listen(rec))
	defer restarted.Close()

	client.mu.Lock()
	pooled := client.peers[addr]
	client.mu.Unlock()
	require.NotNil(t, pooled)
	require.Eventually(t, func() bool { return !pooled.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), addr, []byte("after")))
	require.Equal(t, []byte("after"), rec.next(t))
}

func TestTransportOversizedFrame(t *testing.T) {
	server := newListeningTransport(t, newRecorder())
	client := NewTransport(Config{Logger: quietLogger()})
	defer client.Close()

	err := client.Send(context.Background(), server.Addr(), make([]byte, maxMsgSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTransportRefusedDeliveryClosesConnection(t *testing.T) {
	rec := newRecorder()
	rec.refuse = true
	server := newListeningTransport(t, rec)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte("x")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = readFrame(conn)
	require.Error(t, err, "server hangs up")
}

func TestTransportReapsIdlePeers(t *testing.T) {
	server := newListeningTransport(t, newRecorder())
	client := NewTransport(Config{IdleTimeout: time.Minute, Logger: quietLogger()})
	defer client.Close()

	require.NoError(t, client.Send(context.Background(), server.Addr(), []byte("x")))
	require.Equal(t, 1, client.PeerCount())

	client.reapIdle(time.Now())
	require.Equal(t, 1, client.PeerCount())

	client.reapIdle(time.Now().Add(2 * time.Minute))
	require.Zero(t, client.PeerCount())
}

func TestTransportClose(t *testing.T) {
	tr := NewTransport(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, tr.Listen(newRecorder()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "second close is a no-op")

	err := tr.Send(context.Background(), netip.MustParseAddrPort("127.0.0.1:1"), []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, tr.Listen(newRecorder()), ErrClosed)
}

type acceptAll struct {
	mu    sync.Mutex
	sizes map[types.Key]uint32
}

func (a *acceptAll) Accept(k types.Key, size uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizes[k] = size
	return true
}

func (a *acceptAll) Contains(k types.Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sizes[k]
	return ok
}

func (a *acceptAll) SizeOf(k types.Key) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizes[k]
}

func TestTransport_OverlayNodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup
	start := func(id uint64) *dht.Node {
		port, err := getAvailablePort()
		require.NoError(t, err)
		addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
		placement := &acceptAll{sizes: make(map[types.Key]uint32)}

		tr := NewTransport(Config{ListenAddr: addr.String(), Logger: quietLogger()})
		n := dht.New(dht.Config{
			Self:           types.Node{ID: id, Addr: addr},
			JoinTimeout:    3 * time.Second,
			RequestTimeout: 3 * time.Second,
			Logger:         quietLogger(),
		}, placement, tr)
		require.NoError(t, tr.Listen(n))
		t.Cleanup(func() { tr.Close() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Run(runCtx)
		}()
		return n
	}

	a := start(1000)
	b := start(5000)
	c := start(9000)

	require.NoError(t, b.Join(ctx, a.Self().Addr))
	require.NoError(t, c.Join(ctx, a.Self().Addr))

	var k types.Key
	k[7] = 0x10 // target 4096, owned by b
	h, err := c.IssuePut(ctx, k, 512, protocol.Auth{})
	require.NoError(t, err)
	offer, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, b.Self().ID, offer.NodeID)
	require.Equal(t, b.Self().Addr, offer.Endpoint)

	h, err = a.IssueGet(ctx, k)
	require.NoError(t, err)
	offer, err = h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, b.Self().ID, offer.NodeID)
	require.Equal(t, uint32(512), offer.Size)

	stop()
	wg.Wait()
}

func TestTransportBindBeforeListen(t *testing.T) {
	tr := NewTransport(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger()})
	defer tr.Close()

	require.NoError(t, tr.Bind())
	addr := tr.Addr()
	require.True(t, addr.IsValid())
	require.NoError(t, tr.Bind(), "bind is idempotent")

	rec := newRecorder()
	require.NoError(t, tr.Listen(rec))
	require.Equal(t, addr, tr.Addr())
	require.Error(t, tr.Listen(rec), "already serving")

	client := NewTransport(Config{Logger: quietLogger()})
	defer client.Close()
	require.NoError(t, client.Send(context.Background(), addr, []byte("hi")))
	require.Equal(t, []byte("hi"), rec.next(t))
}
