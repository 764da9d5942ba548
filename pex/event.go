// Package pex implements the Peer Exchange (ut_pex) extension: a per-torrent
// queue of peer ADDED/DROPPED events, gossiped to PEX-capable peers under
// rate and size limits.
package pex

import (
	"time"

	"github.com/monzo-labs/torrentcore/core"
)

// EventKind tags the variant of a peer event.
type EventKind int

// Recognized event kinds.
const (
	Added EventKind = iota
	Dropped
)

// Event is a single, immutable PEX-relevant occurrence: a peer connected to
// or disconnected from the local swarm view for one torrent.
type Event struct {
	Kind    EventKind
	Peer    core.Peer
	Instant time.Time
}

// samePeer reports whether a and b identify the same remote endpoint,
// matching on address; an event is excluded from a message sent to the
// connection whose remote peer it names.
func samePeer(a, b core.Peer) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
