package network

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// MemoryNetwork connects in-process nodes without sockets. Send delivers
// synchronously to whatever is attached at the destination.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]Deliverer
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[netip.AddrPort]Deliverer)}
}

func (m *MemoryNetwork) Attach(addr netip.AddrPort, d Deliverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[addr] = d
}

// Detach makes addr unreachable, as if the node had crashed.
func (m *MemoryNetwork) Detach(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, addr)
}

func (m *MemoryNetwork) Send(ctx context.Context, addr netip.AddrPort, data []byte) error {
	if len(data) > maxMsgSize {
		return ErrFrameTooLarge
	}
	m.mu.RLock()
	d, ok := m.endpoints[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	return d.Deliver(ctx, buf)
}
