package dht

import (
	"fmt"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func peer(id uint64) types.Node {
	return types.Node{
		ID:   id,
		Addr: netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", 10000+id%50000)),
	}
}

func newTestTable(self uint64, max int) *Table {
	return NewTable(peer(self), max, testTimeout, rand.New(rand.NewSource(1)))
}

func ids(recs map[uint64]*Record) []uint64 {
	out := make([]uint64, 0, len(recs))
	for _, r := range sortedRecords(recs) {
		out = append(out, r.Node.ID)
	}
	return out
}

func TestObserve(t *testing.T) {
	tbl := newTestTable(100, 2)
	now := epoch

	require.Equal(t, ObservedSelf, tbl.Observe(peer(100), now))
	require.Empty(t, tbl.friends)

	require.Equal(t, ObservedNew, tbl.Observe(peer(50), now))
	require.Contains(t, tbl.friends, uint64(50))
	require.Equal(t, []uint64{50}, tbl.friendIDs)

	now = now.Add(time.Second)
	require.Equal(t, ObservedKnown, tbl.Observe(peer(50), now))
	require.True(t, tbl.friends[50].RecentlySeen(now, testTimeout))

	spoof := types.Node{ID: 50, Addr: netip.MustParseAddrPort("10.9.9.9:1")}
	require.Equal(t, ObservedConflict, tbl.Observe(spoof, now))
	require.Equal(t, peer(50), tbl.friends[50].Node, "live record must not be overwritten")

	now = now.Add(2*testTimeout + time.Second)
	require.Equal(t, ObservedReplaced, tbl.Observe(spoof, now))
	require.Equal(t, spoof, tbl.friends[50].Node)
	require.Equal(t, []uint64{50}, tbl.friendIDs)
}

func TestClosest(t *testing.T) {
	tbl := newTestTable(100, 2)
	now := epoch
	for _, id := range []uint64{50, 90, 110, 300} {
		tbl.Observe(peer(id), now)
	}

	tests := []struct {
		name   string
		target uint64
		want   uint64
	}{
		{"exact friend", 300, 300},
		{"between friends", 60, 50},
		{"self exact", 100, 100},
		{"tie goes to self", 105, 100},
		{"below all", 0, 50},
		{"above all", ^uint64(0), 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tbl.Closest(tt.target, now).ID)
		})
	}

	t.Run("lost entries are skipped", func(t *testing.T) {
		later := now.Add(2*testTimeout + time.Second)
		tbl.Observe(peer(90), later)
		require.Equal(t, uint64(90), tbl.Closest(60, later).ID)
		// 110 and 300 are lost, and self is nearer to 300 than 90 is.
		require.Equal(t, uint64(100), tbl.Closest(300, later).ID)
	})

	t.Run("empty table returns self", func(t *testing.T) {
		empty := newTestTable(7, 2)
		require.Equal(t, uint64(7), empty.Closest(12345, now).ID)
	})
}

func TestClosestNeverReturnsLost(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tbl := newTestTable(1<<40, 3)
	now := epoch

	for i := 0; i < 200; i++ {
		id := rng.Uint64() >> 20
		// Spread last contact over four timeouts so about half are lost.
		seen := now.Add(-time.Duration(rng.Int63n(int64(4 * testTimeout))))
		tbl.Observe(peer(id), seen)
	}
	tbl.Fill(nil, now)

	for i := 0; i < 500; i++ {
		target := rng.Uint64() >> 20
		got := tbl.Closest(target, now)

		if got.ID == tbl.Self().ID {
			continue
		}
		rec := tbl.lookup(got.ID)
		require.NotNil(t, rec)
		require.False(t, rec.IsLost(now, testTimeout), "closest(%d) returned lost node %d", target, got.ID)

		for _, r := range tbl.friends {
			if r.IsLost(now, testTimeout) {
				continue
			}
			require.LessOrEqual(t, got.Distance(target), r.Node.Distance(target))
		}
	}
}

func TestAdmitJoiner(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 1)
	tbl.left[80] = newRecord(peer(80), now)
	tbl.right[130] = newRecord(peer(130), now)
	tbl.addFriend(tbl.left[80])
	tbl.addFriend(tbl.right[130])

	require.Equal(t, uint64(100), tbl.Closest(110, now).ID)

	rec, ok := tbl.AdmitJoiner(peer(110), now)
	require.True(t, ok)
	require.Equal(t, uint64(110), rec.Node.ID)
	require.Equal(t, []uint64{110}, ids(tbl.right))
	require.Equal(t, []uint64{80}, ids(tbl.left))
	require.Contains(t, tbl.friends, uint64(130), "evicted neighbour stays a friend")

	rec, ok = tbl.AdmitJoiner(peer(90), now)
	require.True(t, ok)
	require.Equal(t, []uint64{90}, ids(tbl.left), "farther left neighbour 80 is evicted")
	require.NotNil(t, rec)

	_, ok = tbl.AdmitJoiner(peer(100), now)
	require.False(t, ok, "joiner with our id must be rejected")

	spoof := types.Node{ID: 110, Addr: netip.MustParseAddrPort("10.0.0.1:9")}
	_, ok = tbl.AdmitJoiner(spoof, now)
	require.False(t, ok, "live id at another endpoint must be rejected")
}

func TestRebuild(t *testing.T) {
	now := epoch

	tests := []struct {
		name      string
		self      uint64
		max       int
		sender    uint64
		reported  []uint64
		wantLeft  []uint64
		wantRight []uint64
	}{
		{
			name:      "picks nearest on each side",
			self:      100,
			max:       2,
			sender:    110,
			reported:  []uint64{80, 90, 100, 120, 130, 140},
			wantLeft:  []uint64{80, 90},
			wantRight: []uint64{110, 120},
		},
		{
			name:      "wraps around and never duplicates",
			self:      100,
			max:       2,
			sender:    10,
			reported:  []uint64{20, 30},
			wantLeft:  []uint64{20, 30},
			wantRight: []uint64{10},
		},
		{
			name:      "two node overlay",
			self:      100,
			max:       2,
			sender:    50,
			reported:  []uint64{100},
			wantLeft:  []uint64{50},
			wantRight: []uint64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := newTestTable(tt.self, tt.max)
			reported := make([]types.Node, 0, len(tt.reported))
			for _, id := range tt.reported {
				reported = append(reported, peer(id))
			}

			probes := tbl.Rebuild(peer(tt.sender), reported, now)

			require.Equal(t, tt.wantLeft, ids(tbl.left))
			require.Equal(t, tt.wantRight, ids(tbl.right))
			require.Len(t, probes, len(tt.wantLeft)+len(tt.wantRight))
			for _, r := range probes {
				require.Equal(t, AwaitingEcho, r.State)
			}
		})
	}
}

func TestRebuildSkipsRecentlyProbed(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 2)

	first := tbl.Rebuild(peer(110), []types.Node{peer(90)}, now)
	require.Len(t, first, 2)

	now = now.Add(time.Second)
	second := tbl.Rebuild(peer(90), []types.Node{peer(110), peer(120)}, now)
	require.Len(t, second, 1, "only the newly admitted 120 needs a probe")
	require.Equal(t, uint64(120), second[0].Node.ID)
}

func TestRebuildEvictsLostFriends(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 2)
	tbl.Observe(peer(130), now)

	later := now.Add(2*testTimeout + time.Second)
	tbl.Rebuild(peer(110), nil, later)

	require.Equal(t, []uint64{110}, ids(tbl.right))
	require.NotContains(t, tbl.friends, uint64(130))
	require.NotContains(t, tbl.friendIDs, uint64(130))
}

func TestPrune(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 1)
	tbl.Rebuild(peer(110), []types.Node{peer(90)}, now)
	tbl.Observe(peer(120), now)

	// 110 goes silent, 120 and 90 keep talking.
	for i := 1; i <= 4; i++ {
		step := now.Add(time.Duration(i) * testTimeout / 2)
		tbl.Observe(peer(120), step)
		tbl.Observe(peer(90), step)
	}
	later := now.Add(2*testTimeout + time.Second)
	tbl.Observe(peer(120), later)
	tbl.Observe(peer(90), later)

	probes := tbl.Prune(later)

	require.Equal(t, []uint64{120}, ids(tbl.right))
	require.Equal(t, []uint64{90}, ids(tbl.left))
	require.NotContains(t, tbl.friends, uint64(110))
	require.Len(t, probes, 1)
	require.Equal(t, uint64(120), probes[0].Node.ID)
}

func TestPruneProbesQuietNeighbours(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 2)
	tbl.Rebuild(peer(110), []types.Node{peer(90)}, now)

	// Within the probe window nothing is sent again.
	require.Empty(t, tbl.Prune(now.Add(testTimeout/2)))

	// 110 was heard from directly, 90 was only probed once.
	quiet := now.Add(testTimeout + time.Second)
	tbl.Observe(peer(110), quiet)
	probes := tbl.Prune(quiet)
	require.Len(t, probes, 1)
	require.Equal(t, uint64(90), probes[0].Node.ID)
}

func TestRandomNeighbourOrSelf(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 2)
	require.Equal(t, uint64(100), tbl.RandomNeighbourOrSelf(now).ID)

	tbl.Rebuild(peer(110), []types.Node{peer(90)}, now)
	seen := map[uint64]bool{}
	for i := 0; i < 200; i++ {
		seen[tbl.RandomNeighbourOrSelf(now).ID] = true
	}
	require.Equal(t, map[uint64]bool{90: true, 100: true, 110: true}, seen)
}

func TestSetSelf(t *testing.T) {
	now := epoch
	tbl := newTestTable(100, 2)
	tbl.Rebuild(peer(110), []types.Node{peer(90)}, now)

	tbl.SetSelf(peer(110))
	require.Empty(t, tbl.left)
	require.Empty(t, tbl.right)
	require.NotContains(t, tbl.friends, uint64(110))
	require.Contains(t, tbl.friends, uint64(90))
}
