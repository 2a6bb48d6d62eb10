package dht

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/google/uuid"
)

// RequestKind is the caller-visible operation behind a Handle.
type RequestKind uint8

const (
	RequestPut RequestKind = iota
	RequestGet
	RequestContains
)

func (k RequestKind) String() string {
	switch k {
	case RequestPut:
		return "put"
	case RequestGet:
		return "get"
	case RequestContains:
		return "contains"
	default:
		return "unknown"
	}
}

// answeredBy reports whether a reply of the given kind completes k.
func (k RequestKind) answeredBy(reply protocol.Kind) bool {
	switch reply {
	case protocol.KindPutAccept:
		return k == RequestPut
	case protocol.KindGetResult:
		return k == RequestGet || k == RequestContains
	default:
		return false
	}
}

// Status is the state of a Handle.
type Status uint8

const (
	StatusPending Status = iota
	StatusOffer
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOffer:
		return "offer"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Offer names the node that accepted a Put or holds a Get's key. The data
// transfer itself happens out of band against Endpoint.
type Offer struct {
	Endpoint netip.AddrPort
	NodeID   uint64
	Size     uint32
}

// Result is a snapshot of a Handle.
type Result struct {
	Status Status
	Offer  Offer
	Err    error
}

// Handle is returned by the Issue calls and completes exactly once.
type Handle struct {
	ID       uuid.UUID
	Key      types.Key
	Kind     RequestKind
	IssuedAt time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(key types.Key, kind RequestKind, now time.Time) *Handle {
	return &Handle{
		ID:       uuid.New(),
		Key:      key,
		Kind:     kind,
		IssuedAt: now,
		done:     make(chan struct{}),
	}
}

func (h *Handle) complete(r Result) bool {
	completed := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		completed = true
	})
	return completed
}

// Done is closed once the handle has a final result.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the current state without blocking.
func (h *Handle) Result() Result {
	select {
	case <-h.done:
		return h.result
	default:
		return Result{Status: StatusPending}
	}
}

// Wait blocks until the request completes or ctx is done. Cancelling ctx
// does not cancel the request itself.
func (h *Handle) Wait(ctx context.Context) (Offer, error) {
	select {
	case <-h.done:
		return h.result.Offer, h.result.Err
	case <-ctx.Done():
		return Offer{}, ctx.Err()
	}
}
