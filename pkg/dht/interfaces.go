package dht

import (
	"context"
	"net/netip"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
)

// Placement decides what this node stores. The node never touches the
// stored bytes; it only brokers who holds them.
type Placement interface {
	// Accept reserves size bytes for key and reports whether it did.
	Accept(key types.Key, size uint32) bool
	Contains(key types.Key) bool
	SizeOf(key types.Key) uint32
}

// Authorizer is optionally implemented by a Placement to vet the auth
// metadata of a Put before Accept is called.
type Authorizer interface {
	Authorize(key types.Key, auth protocol.Auth) bool
}

// Sender delivers one encoded message to an endpoint.
type Sender interface {
	Send(ctx context.Context, addr netip.AddrPort, data []byte) error
}
