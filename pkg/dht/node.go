package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxNeighbours    = 2
	DefaultNeighbourTimeout = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultJoinTimeout      = 60 * time.Second
	DefaultJoinAttempts     = 5
	DefaultMailboxSize      = 256
	DefaultOutboxSize       = 1024
	DefaultSendWorkers      = 4
	DefaultSendTimeout      = 10 * time.Second
)

// ErrJoinTimeout is returned by Join when no neighbour answered any attempt.
var ErrJoinTimeout = errors.New("join timed out")

// Config holds the tunables of a Node. Zero values take the defaults above.
type Config struct {
	Self types.Node

	MaxNeighbours    int
	NeighbourTimeout time.Duration
	RequestTimeout   time.Duration
	JoinTimeout      time.Duration
	JoinAttempts     int

	MailboxSize int
	OutboxSize  int
	SendWorkers int
	SendTimeout time.Duration

	// Now and Rand are replaceable for tests.
	Now  func() time.Time
	Rand *rand.Rand

	Logger  *logrus.Entry
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.MaxNeighbours <= 0 {
		c.MaxNeighbours = DefaultMaxNeighbours
	}
	if c.NeighbourTimeout <= 0 {
		c.NeighbourTimeout = DefaultNeighbourTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.SendWorkers <= 0 {
		c.SendWorkers = DefaultSendWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

type outbound struct {
	addr netip.AddrPort
	kind protocol.Kind
	data []byte
}

// Node is one overlay member. A single goroutine started by Run owns the
// neighbour table and the request registry; every other method hands work
// to it through the mailbox.
type Node struct {
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time
	placement Placement
	sender    Sender
	metrics   *Metrics

	mailbox chan func()
	outbox  chan outbound
	stopped chan struct{}
	runOnce sync.Once

	selfMu sync.RWMutex
	self   types.Node

	// Owned by the actor.
	table    *Table
	registry *Registry
	joined   chan struct{}
}

// New creates a node. It does nothing until Run is called.
func New(cfg Config, placement Placement, sender Sender) *Node {
	cfg.setDefaults()
	return &Node{
		cfg:       cfg,
		log:       cfg.Logger,
		now:       cfg.Now,
		placement: placement,
		sender:    sender,
		metrics:   cfg.Metrics,
		mailbox:   make(chan func(), cfg.MailboxSize),
		outbox:    make(chan outbound, cfg.OutboxSize),
		stopped:   make(chan struct{}),
		self:      cfg.Self,
		table:     NewTable(cfg.Self, cfg.MaxNeighbours, cfg.NeighbourTimeout, cfg.Rand),
		registry:  NewRegistry(cfg.RequestTimeout),
	}
}

// Self returns the node's current identity. It changes when a join attempt
// times out and a fresh id is minted.
func (n *Node) Self() types.Node {
	n.selfMu.RLock()
	defer n.selfMu.RUnlock()
	return n.self
}

func (n *Node) setSelf(self types.Node) {
	n.selfMu.Lock()
	n.self = self
	n.selfMu.Unlock()
	n.table.SetSelf(self)
}

// Run processes messages, request deadlines and table maintenance until
// ctx is cancelled. Outstanding requests then fail with ErrNodeStopped.
func (n *Node) Run(ctx context.Context) error {
	started := false
	n.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("node already running")
	}

	n.log.WithFields(logrus.Fields{
		"function": "Run",
		"self":     n.Self().String(),
	}).Info("Overlay node started")

	var workers sync.WaitGroup
	for i := 0; i < n.cfg.SendWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			n.sendLoop(ctx)
		}()
	}

	deadline := time.NewTimer(time.Hour)
	deadline.Stop()
	maintenance := time.NewTicker(n.cfg.NeighbourTimeout / 2)

	defer func() {
		deadline.Stop()
		maintenance.Stop()
		n.registry.FailAll(ErrNodeStopped)
		close(n.stopped)
		workers.Wait()
		n.log.WithFields(logrus.Fields{
			"function": "Run",
		}).Info("Overlay node stopped")
	}()

	for {
		n.armDeadline(deadline)

		select {
		case <-ctx.Done():
			return nil
		case fn := <-n.mailbox:
			fn()
		case <-deadline.C:
			n.expire()
		case <-maintenance.C:
			n.maintain()
		}
	}
}

func (n *Node) armDeadline(t *time.Timer) {
	next, ok := n.registry.NextDeadline()
	if !ok {
		t.Stop()
		return
	}
	// Expire removes entries strictly before now, so fire just after.
	t.Reset(next.Sub(n.now()) + time.Millisecond)
}

func (n *Node) expire() {
	now := n.now()
	for _, h := range n.registry.Expire(now) {
		n.metrics.requestDone(h, StatusFailed.String(), now)
		n.log.WithFields(logrus.Fields{
			"function": "expire",
			"request":  h.ID.String(),
			"kind":     h.Kind.String(),
			"key":      h.Key.Short(),
		}).Info("Request timed out")
	}
	n.updateGauges()
}

// call runs fn on the actor and waits for it to finish.
func (n *Node) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.mailbox <- func() { fn(); close(done) }:
	case <-n.stopped:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrNodeStopped
	}
}

// Deliver decodes one frame from the transport and queues it for the actor.
// Malformed frames are logged and dropped.
func (n *Node) Deliver(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		n.metrics.messageDropped("malformed")
		n.log.WithFields(logrus.Fields{
			"function": "Deliver",
			"bytes":    len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return nil
	}

	select {
	case n.mailbox <- func() { n.dispatch(msg) }:
		return nil
	case <-n.stopped:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssuePut asks the overlay for a node willing to store size bytes under key.
func (n *Node) IssuePut(ctx context.Context, key types.Key, size uint32, auth protocol.Auth) (*Handle, error) {
	return n.issue(ctx, key, RequestPut, &protocol.Put{Key: key, Length: size, Auth: auth})
}

// IssueGet asks the overlay for the node holding key.
func (n *Node) IssueGet(ctx context.Context, key types.Key) (*Handle, error) {
	return n.issue(ctx, key, RequestGet, &protocol.Get{Key: key})
}

// IssueContains checks whether any node holds key. It travels as a Get; the
// caller simply does not follow up with a download.
func (n *Node) IssueContains(ctx context.Context, key types.Key) (*Handle, error) {
	return n.issue(ctx, key, RequestContains, &protocol.Get{Key: key})
}

func (n *Node) issue(ctx context.Context, key types.Key, kind RequestKind, msg protocol.Message) (*Handle, error) {
	var (
		h        *Handle
		issueErr error
	)
	err := n.call(ctx, func() {
		h, issueErr = n.startRequest(key, kind, msg)
	})
	if err != nil {
		return nil, err
	}
	if issueErr != nil {
		return nil, fmt.Errorf("failed to issue %s for %s: %w", kind, key.Short(), issueErr)
	}
	return h, nil
}

// startRequest registers the request and routes msg from this node.
func (n *Node) startRequest(key types.Key, kind RequestKind, msg protocol.Message) (*Handle, error) {
	h, err := n.registry.Issue(key, kind, n.now())
	if err != nil {
		return nil, err
	}
	n.log.WithFields(logrus.Fields{
		"function": "startRequest",
		"request":  h.ID.String(),
		"kind":     kind.String(),
		"key":      key.Short(),
	}).Debug("Issuing request")

	msg.AddHop(n.table.Self())
	n.forward(msg)
	n.updateGauges()
	return h, nil
}

// Join announces this node through contact and waits for the first Echo
// from a new neighbour. Each timed out attempt retries under a fresh id.
func (n *Node) Join(ctx context.Context, contact netip.AddrPort) error {
	for attempt := 1; attempt <= n.cfg.JoinAttempts; attempt++ {
		var joined chan struct{}
		err := n.call(ctx, func() {
			joined = make(chan struct{})
			n.joined = joined
			// The joiner's own hop is left out so the contact does not
			// route the Join straight back to it.
			n.send(contact, &protocol.Join{Joiner: n.table.Self()})
		})
		if err != nil {
			return err
		}

		log := n.log.WithFields(logrus.Fields{
			"function": "Join",
			"contact":  contact.String(),
			"attempt":  attempt,
			"self":     n.Self().String(),
		})
		log.Info("Joining overlay")

		timer := time.NewTimer(n.cfg.JoinTimeout)
		select {
		case <-joined:
			timer.Stop()
			log.Info("Joined overlay")
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-n.stopped:
			timer.Stop()
			return ErrNodeStopped
		case <-timer.C:
		}

		err = n.call(ctx, func() {
			n.joined = nil
			n.setSelf(n.table.Self().WithFreshID())
		})
		if err != nil {
			return err
		}
		log.WithField("fresh", n.Self().String()).Warn("Join timed out, retrying with fresh id")
	}
	return ErrJoinTimeout
}

// Neighbours returns a copy of the neighbour table.
func (n *Node) Neighbours(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := n.call(ctx, func() {
		snap = n.table.Snapshot(n.now())
	})
	return snap, err
}

// PendingRequests returns the number of requests awaiting a reply.
func (n *Node) PendingRequests(ctx context.Context) (int, error) {
	var count int
	err := n.call(ctx, func() {
		count = n.registry.Len()
	})
	return count, err
}

// dispatch handles one inbound message on the actor.
func (n *Node) dispatch(msg protocol.Message) {
	now := n.now()
	n.metrics.messageReceived(msg.Kind().String())

	for _, hop := range msg.Hops() {
		switch n.table.Observe(hop, now) {
		case ObservedNew:
			n.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"peer":     hop.String(),
			}).Debug("Learned new peer")
		case ObservedConflict:
			n.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"peer":     hop.String(),
			}).Debug("Ignoring endpoint change for live peer")
		}
	}

	// Echo is a direct probe and is never routed further.
	if echo, ok := msg.(*protocol.Echo); ok {
		n.escalate(echo)
		return
	}
	n.forward(msg)
}

// forward routes msg one hop closer to its target, or escalates it when
// this node is the closest one known.
func (n *Node) forward(msg protocol.Message) {
	if len(msg.Hops())+2 > protocol.MaxHops {
		n.metrics.messageDropped("hop_limit")
		n.log.WithFields(logrus.Fields{
			"function": "forward",
			"kind":     msg.Kind().String(),
			"hops":     len(msg.Hops()),
		}).Warn("Dropping message at hop limit")
		return
	}

	now := n.now()
	self := n.table.Self()
	next := n.table.Closest(msg.Target(), now)

	msg.AddHop(self)
	msg.AddHop(n.table.RandomNeighbourOrSelf(now))

	if next.ID != self.ID {
		n.send(next.Addr, msg)
		return
	}
	n.escalate(msg)
}

// send queues msg for the send workers without blocking the actor.
func (n *Node) send(addr netip.AddrPort, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		n.metrics.messageDropped("encode")
		n.log.WithFields(logrus.Fields{
			"function": "send",
			"kind":     msg.Kind().String(),
			"error":    err.Error(),
		}).Error("Failed to encode message")
		return
	}

	select {
	case n.outbox <- outbound{addr: addr, kind: msg.Kind(), data: data}:
		n.metrics.messageSent(msg.Kind().String())
	default:
		n.metrics.messageDropped("outbox_full")
		n.log.WithFields(logrus.Fields{
			"function": "send",
			"kind":     msg.Kind().String(),
			"to":       addr.String(),
		}).Warn("Outbox full, dropping message")
	}
}

func (n *Node) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-n.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
			err := n.sender.Send(sendCtx, out.addr, out.data)
			cancel()
			if err != nil {
				n.log.WithFields(logrus.Fields{
					"function": "sendLoop",
					"kind":     out.kind.String(),
					"to":       out.addr.String(),
					"error":    err.Error(),
				}).Debug("Send failed")
			}
		}
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.tableSize(len(n.table.left), len(n.table.right), len(n.table.friends), n.registry.Len())
}
