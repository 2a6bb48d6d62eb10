package dht

import (
	"github.com/sirupsen/logrus"
)

// maintain runs every half neighbour timeout: lost neighbours are dropped,
// the sets are refilled from friends, and neighbours that have gone quiet
// are probed.
func (n *Node) maintain() {
	now := n.now()
	before := len(n.table.left) + len(n.table.right)

	probes := n.table.Prune(now)
	for _, rec := range probes {
		n.sendProbe(rec)
	}

	after := len(n.table.left) + len(n.table.right)
	fields := logrus.Fields{
		"function":   "maintain",
		"neighbours": after,
		"friends":    len(n.table.friends),
		"probes":     len(probes),
	}
	if after < before {
		n.log.WithFields(fields).Info("Dropped lost neighbours")
	} else {
		n.log.WithFields(fields).Debug("Maintenance pass")
	}

	if n.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		n.logTable()
	}
	n.updateGauges()
}

// logTable dumps the neighbour and friend sets at trace level.
func (n *Node) logTable() {
	snap := n.table.Snapshot(n.now())
	for _, side := range []struct {
		name  string
		peers []PeerInfo
	}{{"left", snap.Left}, {"right", snap.Right}, {"friend", snap.Friends}} {
		for _, p := range side.peers {
			n.log.WithFields(logrus.Fields{
				"function": "logTable",
				"set":      side.name,
				"peer":     p.Node.String(),
				"state":    p.State.String(),
				"lost":     p.Lost,
			}).Trace("Table entry")
		}
	}
}
