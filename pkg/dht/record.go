package dht

import (
	"time"

	"github.com/busybox42/aegis-overlay/pkg/types"
)

// Liveness is the probe state of a Record.
type Liveness uint8

const (
	Good Liveness = iota
	AwaitingEcho
)

func (l Liveness) String() string {
	if l == AwaitingEcho {
		return "awaiting-echo"
	}
	return "good"
}

// Record tracks what this node knows about another overlay member.
type Record struct {
	Node  types.Node
	State Liveness

	lastSeen    time.Time
	lastContact time.Time
	echoSentAt  time.Time
}

func newRecord(n types.Node, now time.Time) *Record {
	return &Record{Node: n, State: Good, lastSeen: now}
}

// ReceivedContact marks the record as heard from at now.
func (r *Record) ReceivedContact(now time.Time) {
	r.State = Good
	r.lastSeen = now
	r.lastContact = now
}

// SentEcho marks that a probe was sent at now.
func (r *Record) SentEcho(now time.Time) {
	r.State = AwaitingEcho
	r.echoSentAt = now
}

// IsLost reports whether nothing was heard for two neighbour timeouts.
func (r *Record) IsLost(now time.Time, timeout time.Duration) bool {
	return now.After(r.lastSeen.Add(2 * timeout))
}

// RecentlySeen reports direct contact within one timeout.
func (r *Record) RecentlySeen(now time.Time, timeout time.Duration) bool {
	return !r.lastContact.IsZero() && now.Sub(r.lastContact) < timeout
}

// RecentlyProbed reports an echo sent within one timeout.
func (r *Record) RecentlyProbed(now time.Time, timeout time.Duration) bool {
	return !r.echoSentAt.IsZero() && now.Sub(r.echoSentAt) < timeout
}

// LastSeen returns the last time the record was created or refreshed.
func (r *Record) LastSeen() time.Time {
	return r.lastSeen
}
