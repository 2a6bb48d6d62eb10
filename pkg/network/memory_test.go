package network

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryNetwork(t *testing.T) {
	mem := NewMemoryNetwork()
	addr := netip.MustParseAddrPort("10.0.0.1:4000")
	rec := newRecorder()

	err := mem.Send(context.Background(), addr, []byte("x"))
	require.ErrorIs(t, err, ErrUnreachable)

	mem.Attach(addr, rec)
	data := []byte("payload")
	require.NoError(t, mem.Send(context.Background(), addr, data))
	data[0] = 'P'
	require.Equal(t, []byte("payload"), rec.next(t), "delivered bytes are a copy")

	mem.Detach(addr)
	require.ErrorIs(t, mem.Send(context.Background(), addr, []byte("x")), ErrUnreachable)
	require.ErrorIs(t, mem.Send(context.Background(), addr, make([]byte, maxMsgSize+1)), ErrFrameTooLarge)
}
