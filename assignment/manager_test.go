package assignment

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/monzo-labs/torrentcore/core"
)

func fullBitfield(n int) *bitset.BitSet {
	b := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		b.Set(uint(i))
	}
	return b
}

func TestNextAssignmentsRespectsMaxActivePerPeer(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(10, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 2})
	peer := core.PeerIDFixture()

	out := m.NextAssignments(peer, fullBitfield(10), 5)
	require.Len(out, 2)

	more := m.NextAssignments(peer, fullBitfield(10), 5)
	require.Empty(more)
}

func TestNextAssignmentsSkipsAlreadyAssignedOutsideEndgame(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4, EndgameThreshold: 0})
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	first := m.NextAssignments(p1, fullBitfield(4), 4)
	require.Len(first, 4)

	second := m.NextAssignments(p2, fullBitfield(4), 4)
	require.Empty(second)
}

func TestMarkVerifiedRetiresAssignment(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4})
	peer := core.PeerIDFixture()

	m.NextAssignments(peer, fullBitfield(4), 1)
	require.Len(m.HoldersOf(0), 1)

	m.MarkVerified(0)
	require.Empty(m.HoldersOf(0))

	// The piece never comes back, even to the peer that already held it.
	m.NextAssignments(peer, fullBitfield(4), 4)
	require.Empty(m.HoldersOf(0))
}

func TestExpireOverdueBlamesPeer(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4, AssignmentTimeout: time.Second})
	peer := core.PeerIDFixture()

	m.NextAssignments(peer, fullBitfield(4), 1)
	require.Empty(m.ExpireOverdue())

	clk.Add(2 * time.Second)
	expired := m.ExpireOverdue()
	require.Len(expired, 1)
	require.Equal(Failed, expired[0].Status)
	require.Equal(1, m.Blame(peer))
	require.Empty(m.HoldersOf(0))
}

func TestClearPeerReleasesWithoutBlame(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4})
	peer := core.PeerIDFixture()

	m.NextAssignments(peer, fullBitfield(4), 2)
	require.Len(m.HoldersOf(0), 1)

	m.ClearPeer(peer)
	require.Empty(m.HoldersOf(0))
	require.Empty(m.HoldersOf(1))
	require.Equal(0, m.Blame(peer))
}

func TestFailBlamesPeerAndReturnsPieceToPool(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4})
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	m.NextAssignments(p1, fullBitfield(4), 1)
	require.Len(m.HoldersOf(0), 1)

	m.Fail(p1, 0)
	require.Equal(1, m.Blame(p1))
	require.Empty(m.HoldersOf(0))

	// The piece is immediately re-assignable, including to another peer.
	out := m.NextAssignments(p2, fullBitfield(4), 1)
	require.Len(out, 1)
	require.Equal(0, out[0].PieceIndex)
}

func TestReleaseReturnsPieceWithoutBlame(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4})
	peer := core.PeerIDFixture()

	m.NextAssignments(peer, fullBitfield(4), 1)
	m.Release(peer, 0)
	require.Equal(0, m.Blame(peer))
	require.Empty(m.HoldersOf(0))
}

func TestEndgameAllowsDuplicateAssignment(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	// With only 4 pieces total and a threshold of 4, endgame is active
	// from the start (0 verified >= 4-4).
	m := NewManager(4, SequentialPolicy{}, clk, Config{MaxActivePerPeer: 4, EndgameThreshold: 4})
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	m.NextAssignments(p1, fullBitfield(4), 4)
	m.NextAssignments(p2, fullBitfield(4), 4)

	require.Len(m.HoldersOf(0), 2)
}
