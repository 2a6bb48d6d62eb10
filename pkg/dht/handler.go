package dht

import (
	"time"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/sirupsen/logrus"
)

// escalate handles msg locally; this node is the closest one known to the
// message's target.
func (n *Node) escalate(msg protocol.Message) {
	n.metrics.escalation(msg.Kind().String())

	switch m := msg.(type) {
	case *protocol.Join:
		n.handleJoin(m)
	case *protocol.Echo:
		n.handleEcho(m)
	case *protocol.Put:
		n.handlePut(m)
	case *protocol.PutAccept:
		n.handleReply(m, m.Key, m.Length)
	case *protocol.Get:
		n.handleGet(m)
	case *protocol.GetResult:
		n.handleReply(m, m.Key, m.Length)
	}

	n.updateGauges()
}

func (n *Node) handleJoin(m *protocol.Join) {
	now := n.now()
	log := n.log.WithFields(logrus.Fields{
		"function": "handleJoin",
		"joiner":   m.Joiner.String(),
	})

	if m.Joiner.ID == n.table.Self().ID {
		log.Warn("Rejecting join with our own id")
		return
	}

	rec, ok := n.table.AdmitJoiner(m.Joiner, now)
	if !ok {
		log.Debug("Ignoring join claiming the id of a live peer")
		return
	}
	log.Info("Admitted joiner as neighbour")

	// One attempt only; a lost Echo shows up as the joiner's own timeout.
	n.sendEcho(rec, now)
}

func (n *Node) handleEcho(m *protocol.Echo) {
	now := n.now()
	sender, ok := m.Origin()
	if !ok {
		n.metrics.messageDropped("no_origin")
		return
	}

	if n.joined != nil {
		close(n.joined)
		n.joined = nil
	}

	probes := n.table.Rebuild(sender, m.Neighbours, now)
	for _, rec := range probes {
		n.sendProbe(rec)
	}

	n.log.WithFields(logrus.Fields{
		"function":   "handleEcho",
		"from":       sender.String(),
		"reported":   len(m.Neighbours),
		"probes":     len(probes),
		"neighbours": len(n.table.left) + len(n.table.right),
	}).Debug("Rebuilt neighbour sets")
}

func (n *Node) handlePut(m *protocol.Put) {
	log := n.log.WithFields(logrus.Fields{
		"function": "handlePut",
		"key":      m.Key.Short(),
		"length":   m.Length,
	})

	if authz, ok := n.placement.(Authorizer); ok && !authz.Authorize(m.Key, m.Auth) {
		n.metrics.messageDropped("unauthorized")
		log.WithField("owner", m.Auth.Owner).Debug("Put failed authorisation, dropping")
		return
	}
	if !n.placement.Accept(m.Key, m.Length) {
		n.metrics.messageDropped("capacity")
		log.Debug("Put rejected by placement, dropping")
		return
	}

	accept, err := protocol.NewPutAccept(n.table.Self(), m)
	if err != nil {
		n.metrics.messageDropped("malformed")
		log.WithField("error", err.Error()).Warn("Cannot answer put")
		return
	}
	log.Debug("Accepted put")
	n.forward(accept)
}

func (n *Node) handleGet(m *protocol.Get) {
	log := n.log.WithFields(logrus.Fields{
		"function": "handleGet",
		"key":      m.Key.Short(),
	})

	if n.placement.Contains(m.Key) {
		result, err := protocol.NewGetResult(n.table.Self(), m, n.placement.SizeOf(m.Key))
		if err != nil {
			n.metrics.messageDropped("malformed")
			log.WithField("error", err.Error()).Warn("Cannot answer get")
			return
		}
		n.forward(result)
		return
	}

	if m.HasOverride {
		log.Debug("Redirected get missed")
		return
	}

	// A node that joined closer to the key after it was stored becomes
	// responsible without holding it. Ask the direct neighbour nearest the
	// key once, which is where the key most likely lives.
	rec, ok := n.redirectCandidate(m.Key.Target(), n.now())
	if !ok {
		log.Debug("Get missed, no neighbour to redirect to")
		return
	}
	log.WithField("neighbour", rec.Node.String()).Debug("Get missed, redirecting to neighbour")
	n.forward(m.Redirect(rec.Node.ID))
}

func (n *Node) redirectCandidate(target uint64, now time.Time) (*Record, bool) {
	var best *Record
	for _, pick := range []func() (*Record, bool){n.table.nearestLeft, n.table.nearestRight} {
		rec, ok := pick()
		if !ok || rec.IsLost(now, n.cfg.NeighbourTimeout) {
			continue
		}
		if best == nil || rec.Node.Distance(target) < best.Node.Distance(target) {
			best = rec
		}
	}
	return best, best != nil
}

// handleReply completes the pending request answered by m. Replies with no
// matching request are late, duplicated or unsolicited and are ignored.
func (n *Node) handleReply(m protocol.Message, key types.Key, length uint32) {
	log := n.log.WithFields(logrus.Fields{
		"function": "handleReply",
		"kind":     m.Kind().String(),
		"key":      key.Short(),
	})

	holder, ok := firstHop(m)
	if !ok {
		n.metrics.messageDropped("no_origin")
		return
	}

	h, ok := n.registry.Resolve(key, m.Kind(), Offer{
		Endpoint: holder.Addr,
		NodeID:   holder.ID,
		Size:     length,
	})
	if !ok {
		log.Debug("No pending request for reply, ignoring")
		return
	}

	now := n.now()
	n.metrics.requestDone(h, StatusOffer.String(), now)
	log.WithFields(logrus.Fields{
		"request": h.ID.String(),
		"holder":  holder.String(),
		"elapsed": now.Sub(h.IssuedAt).String(),
	}).Info("Request resolved")
}

func (n *Node) sendEcho(rec *Record, now time.Time) {
	rec.SentEcho(now)
	n.sendProbe(rec)
}

// sendProbe sends an Echo carrying our neighbours. The caller has already
// marked rec as probed.
func (n *Node) sendProbe(rec *Record) {
	echo := &protocol.Echo{
		Recipient:  rec.Node,
		Neighbours: n.table.Neighbours(),
	}
	echo.AddHop(n.table.Self())
	n.send(rec.Node.Addr, echo)
}

func firstHop(m protocol.Message) (types.Node, bool) {
	hops := m.Hops()
	if len(hops) == 0 {
		return types.Node{}, false
	}
	return hops[0], true
}
