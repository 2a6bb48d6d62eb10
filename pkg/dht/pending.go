package dht

import (
	"container/heap"
	"errors"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
)

var (
	ErrAlreadyPending = errors.New("request already pending for key")
	ErrRequestTimeout = errors.New("request timed out")
	ErrNodeStopped    = errors.New("node stopped")
)

type pendingRequest struct {
	handle   *Handle
	deadline time.Time
	index    int
}

// deadlineQueue is a min-heap on deadline.
type deadlineQueue []*pendingRequest

func (q deadlineQueue) Len() int           { return len(q) }
func (q deadlineQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	p := x.(*pendingRequest)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]
	return p
}

// Registry tracks in-flight requests, at most one per key. It belongs to
// the node actor and is not safe for concurrent use.
type Registry struct {
	timeout time.Duration
	byKey   map[types.Key]*pendingRequest
	queue   deadlineQueue
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		timeout: timeout,
		byKey:   make(map[types.Key]*pendingRequest),
	}
}

// Issue registers a new request for key. It fails with ErrAlreadyPending
// while any request for key is outstanding, whatever its kind.
func (r *Registry) Issue(key types.Key, kind RequestKind, now time.Time) (*Handle, error) {
	if _, exists := r.byKey[key]; exists {
		return nil, ErrAlreadyPending
	}
	p := &pendingRequest{
		handle:   newHandle(key, kind, now),
		deadline: now.Add(r.timeout),
	}
	r.byKey[key] = p
	heap.Push(&r.queue, p)
	return p.handle, nil
}

// Resolve completes the request for key with offer if one exists and is
// answered by a reply of the given kind. Otherwise it changes nothing.
func (r *Registry) Resolve(key types.Key, reply protocol.Kind, offer Offer) (*Handle, bool) {
	p, ok := r.byKey[key]
	if !ok || !p.handle.Kind.answeredBy(reply) {
		return nil, false
	}
	r.remove(p)
	p.handle.complete(Result{Status: StatusOffer, Offer: offer})
	return p.handle, true
}

// Expire fails every request whose deadline is before now and returns them.
func (r *Registry) Expire(now time.Time) []*Handle {
	var expired []*Handle
	for len(r.queue) > 0 && r.queue[0].deadline.Before(now) {
		p := r.queue[0]
		r.remove(p)
		p.handle.complete(Result{Status: StatusFailed, Err: ErrRequestTimeout})
		expired = append(expired, p.handle)
	}
	return expired
}

// FailAll fails every outstanding request with err.
func (r *Registry) FailAll(err error) {
	for _, p := range r.byKey {
		p.handle.complete(Result{Status: StatusFailed, Err: err})
	}
	clear(r.byKey)
	r.queue = nil
}

// NextDeadline returns the earliest outstanding deadline.
func (r *Registry) NextDeadline() (time.Time, bool) {
	if len(r.queue) == 0 {
		return time.Time{}, false
	}
	return r.queue[0].deadline, true
}

func (r *Registry) Pending(key types.Key) bool {
	_, ok := r.byKey[key]
	return ok
}

func (r *Registry) Len() int {
	return len(r.byKey)
}

func (r *Registry) remove(p *pendingRequest) {
	delete(r.byKey, p.handle.Key)
	if p.index >= 0 {
		heap.Remove(&r.queue, p.index)
	}
}
