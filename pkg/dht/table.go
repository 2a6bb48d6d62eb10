package dht

import (
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/types"
)

// Observation is the outcome of Table.Observe.
type Observation uint8

const (
	ObservedSelf Observation = iota
	ObservedNew
	ObservedKnown
	ObservedReplaced
	// ObservedConflict means a live record already claims the id with a
	// different endpoint; the new claim was ignored.
	ObservedConflict
)

// Table holds the bounded left and right neighbour sets and the unbounded
// friends cache. It is owned by a single goroutine and is not safe for
// concurrent use.
type Table struct {
	self          types.Node
	maxNeighbours int
	timeout       time.Duration
	rng           *rand.Rand

	left      map[uint64]*Record
	right     map[uint64]*Record
	friends   map[uint64]*Record
	friendIDs []uint64
}

// NewTable creates an empty table for self.
func NewTable(self types.Node, maxNeighbours int, timeout time.Duration, rng *rand.Rand) *Table {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Table{
		self:          self,
		maxNeighbours: maxNeighbours,
		timeout:       timeout,
		rng:           rng,
		left:          make(map[uint64]*Record),
		right:         make(map[uint64]*Record),
		friends:       make(map[uint64]*Record),
	}
}

func (t *Table) Self() types.Node {
	return t.self
}

// SetSelf moves the table to a new identity. Neighbour sets are cleared
// because their left/right classification depends on the old id; every
// former neighbour stays in friends.
func (t *Table) SetSelf(self types.Node) {
	t.self = self
	clear(t.left)
	clear(t.right)
	t.removeFriend(self.ID)
}

func (t *Table) lookup(id uint64) *Record {
	if r, ok := t.left[id]; ok {
		return r
	}
	if r, ok := t.right[id]; ok {
		return r
	}
	if r, ok := t.friends[id]; ok {
		return r
	}
	return nil
}

// GetOrCreate returns the known record for n.ID, or a new record that is
// not yet stored anywhere.
func (t *Table) GetOrCreate(n types.Node, now time.Time) *Record {
	if r := t.lookup(n.ID); r != nil {
		return r
	}
	return newRecord(n, now)
}

// Observe records that n appeared in a hop list. A known id reporting a
// different endpoint only replaces the old record once that record is lost.
func (t *Table) Observe(n types.Node, now time.Time) Observation {
	if n.ID == t.self.ID {
		return ObservedSelf
	}

	existing := t.lookup(n.ID)
	if existing == nil {
		t.addFriend(newRecord(n, now))
		return ObservedNew
	}

	if existing.Node.Addr != n.Addr {
		if !existing.IsLost(now, t.timeout) {
			return ObservedConflict
		}
		fresh := newRecord(n, now)
		fresh.ReceivedContact(now)
		t.replace(fresh)
		return ObservedReplaced
	}

	existing.ReceivedContact(now)
	if _, ok := t.friends[n.ID]; !ok {
		t.addFriend(existing)
	}
	return ObservedKnown
}

func (t *Table) replace(r *Record) {
	id := r.Node.ID
	if _, ok := t.left[id]; ok {
		t.left[id] = r
	}
	if _, ok := t.right[id]; ok {
		t.right[id] = r
	}
	t.addFriend(r)
}

func (t *Table) addFriend(r *Record) {
	id := r.Node.ID
	if id == t.self.ID {
		return
	}
	if _, ok := t.friends[id]; !ok {
		i, _ := slices.BinarySearch(t.friendIDs, id)
		t.friendIDs = slices.Insert(t.friendIDs, i, id)
	}
	t.friends[id] = r
}

func (t *Table) removeFriend(id uint64) {
	if _, ok := t.friends[id]; !ok {
		return
	}
	delete(t.friends, id)
	if i, found := slices.BinarySearch(t.friendIDs, id); found {
		t.friendIDs = slices.Delete(t.friendIDs, i, i+1)
	}
}

// RandomNeighbourOrSelf picks uniformly from self and the live neighbours.
func (t *Table) RandomNeighbourOrSelf(now time.Time) types.Node {
	candidates := []types.Node{t.self}
	for _, r := range sortedRecords(t.left) {
		if !r.IsLost(now, t.timeout) {
			candidates = append(candidates, r.Node)
		}
	}
	for _, r := range sortedRecords(t.right) {
		if !r.IsLost(now, t.timeout) {
			candidates = append(candidates, r.Node)
		}
	}
	return candidates[t.rng.Intn(len(candidates))]
}

// Closest returns the live node nearest to target among self, the
// neighbours and the friends. Self wins ties, so the result is self when no
// known node is strictly closer.
func (t *Table) Closest(target uint64, now time.Time) types.Node {
	best := t.self
	bestDist := t.self.Distance(target)

	consider := func(r *Record) {
		if r.IsLost(now, t.timeout) {
			return
		}
		if d := r.Node.Distance(target); d < bestDist {
			best, bestDist = r.Node, d
		}
	}
	for _, r := range t.left {
		consider(r)
	}
	for _, r := range t.right {
		consider(r)
	}

	// friendIDs is sorted, so walk outwards from target and stop at the
	// first live friend.
	hi := sort.Search(len(t.friendIDs), func(i int) bool { return t.friendIDs[i] >= target })
	lo := hi - 1
	for lo >= 0 || hi < len(t.friendIDs) {
		var id uint64
		if hi < len(t.friendIDs) && (lo < 0 || types.Distance(t.friendIDs[hi], target) <= types.Distance(t.friendIDs[lo], target)) {
			id = t.friendIDs[hi]
			hi++
		} else {
			id = t.friendIDs[lo]
			lo--
		}
		r := t.friends[id]
		if r.IsLost(now, t.timeout) {
			continue
		}
		consider(r)
		break
	}

	return best
}

// AdmitJoiner places joiner on the side of self it belongs to, evicting the
// farthest current occupant when that side is full. It returns false for a
// joiner that claims self's id or the id of a live node at another
// endpoint.
func (t *Table) AdmitJoiner(joiner types.Node, now time.Time) (*Record, bool) {
	if joiner.ID == t.self.ID {
		return nil, false
	}

	rec := t.lookup(joiner.ID)
	switch {
	case rec == nil:
		rec = newRecord(joiner, now)
	case rec.Node.Addr != joiner.Addr:
		if !rec.IsLost(now, t.timeout) {
			return nil, false
		}
		rec = newRecord(joiner, now)
		t.replace(rec)
	}

	side := t.left
	if joiner.ID > t.self.ID {
		side = t.right
	}
	if _, present := side[joiner.ID]; !present && len(side) >= t.maxNeighbours {
		delete(side, t.farthest(side))
	}
	side[joiner.ID] = rec
	t.addFriend(rec)
	return rec, true
}

func (t *Table) farthest(side map[uint64]*Record) uint64 {
	var id, dist uint64
	first := true
	for candidate := range side {
		if d := types.Distance(candidate, t.self.ID); first || d > dist {
			id, dist, first = candidate, d, false
		}
	}
	return id
}

// Rebuild recomputes both neighbour sets from scratch after an Echo from
// sender that reported its own neighbours. It returns the records that were
// admitted and should now be probed.
func (t *Table) Rebuild(sender types.Node, reported []types.Node, now time.Time) []*Record {
	pool := make(map[uint64]*Record)
	for _, n := range reported {
		if n.ID == t.self.ID {
			continue
		}
		if _, ok := t.left[n.ID]; ok {
			continue
		}
		if _, ok := t.right[n.ID]; ok {
			continue
		}
		pool[n.ID] = t.GetOrCreate(n, now)
	}
	for id, r := range t.left {
		pool[id] = r
	}
	for id, r := range t.right {
		pool[id] = r
	}

	if r, ok := pool[sender.ID]; ok {
		r.ReceivedContact(now)
	} else if sender.ID != t.self.ID {
		r := t.GetOrCreate(sender, now)
		r.ReceivedContact(now)
		pool[sender.ID] = r
	}
	delete(pool, t.self.ID)

	clear(t.left)
	clear(t.right)
	return t.Fill(pool, now)
}

// Prune drops lost neighbours, refills both sides from friends and returns
// the records to probe: new admissions plus neighbours that have been
// silent for a full timeout.
func (t *Table) Prune(now time.Time) []*Record {
	for _, side := range []map[uint64]*Record{t.left, t.right} {
		for id, r := range side {
			if r.IsLost(now, t.timeout) {
				delete(side, id)
				t.removeFriend(id)
			}
		}
	}

	probes := t.Fill(nil, now)
	for _, side := range []map[uint64]*Record{t.left, t.right} {
		for _, r := range sortedRecords(side) {
			if r.RecentlySeen(now, t.timeout) || r.RecentlyProbed(now, t.timeout) {
				continue
			}
			r.SentEcho(now)
			probes = append(probes, r)
		}
	}
	return probes
}

// Fill tops up both sides to maxNeighbours, first from pool and then from
// friends. Each source is tried on its own side of self before wrapping
// around the id line. Lost candidates are evicted from friends and no id is
// admitted to both sides. It returns the newly admitted records that were
// not probed within the last timeout; they are marked as probed.
func (t *Table) Fill(pool map[uint64]*Record, now time.Time) []*Record {
	taken := make(map[uint64]bool, len(t.left)+len(t.right))
	for id := range t.left {
		taken[id] = true
	}
	for id := range t.right {
		taken[id] = true
	}

	var probes []*Record
	for _, recs := range [][]*Record{sortedRecords(pool), sortedRecords(t.friends)} {
		below, above := t.split(recs)
		probes = t.fillSide(t.right, above, taken, now, probes)
		probes = t.fillSide(t.left, reversed(below), taken, now, probes)
		probes = t.fillSide(t.right, below, taken, now, probes)
		probes = t.fillSide(t.left, reversed(above), taken, now, probes)
	}
	return probes
}

func (t *Table) fillSide(side map[uint64]*Record, candidates []*Record, taken map[uint64]bool, now time.Time, probes []*Record) []*Record {
	for _, r := range candidates {
		if len(side) >= t.maxNeighbours {
			break
		}
		id := r.Node.ID
		if taken[id] || id == t.self.ID {
			continue
		}
		if r.IsLost(now, t.timeout) {
			t.removeFriend(id)
			continue
		}
		side[id] = r
		taken[id] = true
		t.addFriend(r)
		if !r.RecentlyProbed(now, t.timeout) {
			r.SentEcho(now)
			probes = append(probes, r)
		}
	}
	return probes
}

// split divides id-sorted records into those below and above self.
func (t *Table) split(sorted []*Record) (below, above []*Record) {
	lo := sort.Search(len(sorted), func(i int) bool { return sorted[i].Node.ID >= t.self.ID })
	hi := sort.Search(len(sorted), func(i int) bool { return sorted[i].Node.ID > t.self.ID })
	return sorted[:lo], sorted[hi:]
}

func reversed(recs []*Record) []*Record {
	out := make([]*Record, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out
}

// Neighbours returns the current left and right identities, left first.
func (t *Table) Neighbours() []types.Node {
	nodes := make([]types.Node, 0, len(t.left)+len(t.right))
	for _, r := range sortedRecords(t.left) {
		nodes = append(nodes, r.Node)
	}
	for _, r := range sortedRecords(t.right) {
		nodes = append(nodes, r.Node)
	}
	return nodes
}

// nearestLeft is the left neighbour with the highest id.
func (t *Table) nearestLeft() (*Record, bool) {
	recs := sortedRecords(t.left)
	if len(recs) == 0 {
		return nil, false
	}
	return recs[len(recs)-1], true
}

// nearestRight is the right neighbour with the lowest id.
func (t *Table) nearestRight() (*Record, bool) {
	recs := sortedRecords(t.right)
	if len(recs) == 0 {
		return nil, false
	}
	return recs[0], true
}

// PeerInfo is a point-in-time view of a Record.
type PeerInfo struct {
	Node     types.Node
	State    Liveness
	LastSeen time.Time
	Lost     bool
}

// Snapshot is a copy of the table for display.
type Snapshot struct {
	Self    types.Node
	Left    []PeerInfo
	Right   []PeerInfo
	Friends []PeerInfo
}

func (t *Table) Snapshot(now time.Time) Snapshot {
	info := func(m map[uint64]*Record) []PeerInfo {
		recs := sortedRecords(m)
		out := make([]PeerInfo, 0, len(recs))
		for _, r := range recs {
			out = append(out, PeerInfo{
				Node:     r.Node,
				State:    r.State,
				LastSeen: r.lastSeen,
				Lost:     r.IsLost(now, t.timeout),
			})
		}
		return out
	}
	return Snapshot{
		Self:    t.self,
		Left:    info(t.left),
		Right:   info(t.right),
		Friends: info(t.friends),
	}
}

func sortedRecords(m map[uint64]*Record) []*Record {
	recs := make([]*Record, 0, len(m))
	for _, r := range m {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Node.ID < recs[j].Node.ID })
	return recs
}
