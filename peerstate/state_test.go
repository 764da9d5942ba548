package peerstate

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/core"
)

func fixtureState() *State {
	key := core.ConnectionKey{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	return New(key, 10, clock.NewMock())
}

func TestInitialState(t *testing.T) {
	require := require.New(t)

	s := fixtureState()
	require.True(s.Choking())
	require.True(s.PeerChoking())
	require.False(s.Interested())
	require.False(s.PeerInterested())
}

func TestPeerChokeClearsPendingRequests(t *testing.T) {
	require := require.New(t)

	s := fixtureState()
	s.SetPeerChoking(false)

	k1 := BlockKey{PieceIndex: 0, Begin: 0, Length: 16384}
	k2 := BlockKey{PieceIndex: 1, Begin: 0, Length: 16384}
	s.AddPendingRequest(k1)
	s.AddPendingRequest(k2)
	require.Equal(2, s.NumPendingRequests())

	cleared := s.SetPeerChoking(true)
	require.ElementsMatch([]BlockKey{k1, k2}, cleared)
	require.Equal(0, s.NumPendingRequests())
}

func TestBitfieldTracking(t *testing.T) {
	require := require.New(t)

	s := fixtureState()
	require.False(s.HasPiece(3))
	s.SetHave(3)
	require.True(s.HasPiece(3))
	require.False(s.HasPiece(4))
}

func TestCancelConsumesRecord(t *testing.T) {
	require := require.New(t)

	s := fixtureState()
	k := BlockKey{PieceIndex: 0, Begin: 0, Length: 16384}
	require.False(s.IsCancelled(k))
	s.Cancel(k)
	require.True(s.IsCancelled(k))
	require.False(s.IsCancelled(k))
}
