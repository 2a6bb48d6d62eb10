package network

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotConnected  = errors.New("peer not connected")
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
	ErrUnreachable   = errors.New("endpoint unreachable")
)

// Deliverer receives every frame read off the wire. A returned error
// tears the connection down.
type Deliverer interface {
	Deliver(ctx context.Context, data []byte) error
}
