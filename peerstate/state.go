package peerstate

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/monzo-labs/torrentcore/core"
)

// ExtensionState is the marker interface for per-extension connection
// state. Each extension owns a concrete type implementing it; dispatch by
// extension id uses a fixed map, never reflection over the stored value's
// type.
type ExtensionState interface {
	ExtensionState()
}

// State is the mutable protocol record for one peer connection, scoped to a
// single torrent. Every field is owned exclusively by that connection's
// worker; cross-goroutine reads go through the accessor methods below,
// which take the lock (or, for hot counters, an atomic).
//
// Initial state per the protocol: choking and peer-choking both start
// true; interested and peer-interested both start false.
type State struct {
	Key core.ConnectionKey

	clk clock.Clock

	downloaded atomic.Int64
	uploaded   atomic.Int64
	lastActive atomic.Int64 // unix nanos

	mu              sync.Mutex
	choking         bool
	peerChoking     bool
	interested      bool
	peerInterested  bool
	lastChoked      time.Time
	bitfield        *bitset.BitSet
	pendingRequests map[BlockKey]time.Time
	pendingWrites   map[BlockKey]struct{}
	cancelled       map[BlockKey]struct{}
	enqueuedPieces  map[int]struct{}
	requestQueue    []BlockKey
	assignedPieces  []int
	extensions      map[byte]ExtensionState
}

// New creates a connection's protocol state in its initial values.
func New(key core.ConnectionKey, numPieces int, clk clock.Clock) *State {
	s := &State{
		Key:             key,
		clk:             clk,
		choking:         true,
		peerChoking:     true,
		bitfield:        bitset.New(uint(numPieces)),
		pendingRequests: make(map[BlockKey]time.Time),
		pendingWrites:   make(map[BlockKey]struct{}),
		cancelled:       make(map[BlockKey]struct{}),
		enqueuedPieces:  make(map[int]struct{}),
		extensions:      make(map[byte]ExtensionState),
	}
	s.touchActive()
	return s
}

func (s *State) touchActive() {
	s.lastActive.Store(s.clk.Now().UnixNano())
}

// LastActive returns the last time this connection was observed active.
func (s *State) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Downloaded returns the total bytes downloaded from this peer.
func (s *State) Downloaded() int64 { return s.downloaded.Load() }

// Uploaded returns the total bytes uploaded to this peer.
func (s *State) Uploaded() int64 { return s.uploaded.Load() }

// AddDownloaded records n additional downloaded bytes and touches lastActive.
func (s *State) AddDownloaded(n int64) {
	s.downloaded.Add(n)
	s.touchActive()
}

// AddUploaded records n additional uploaded bytes and touches lastActive.
func (s *State) AddUploaded(n int64) {
	s.uploaded.Add(n)
	s.touchActive()
}

// Choking reports whether the local side is choking this peer.
func (s *State) Choking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choking
}

// SetChoking sets the local choking flag and, when choking, records the
// time in LastChoked. Pending outbound requests are left as they are; they
// are cleared by SetPeerChoking when the remote chokes us.
func (s *State) SetChoking(choking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choking = choking
	if choking {
		s.lastChoked = s.clk.Now()
	}
}

// PeerChoking reports whether the remote peer is choking the local side.
func (s *State) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// SetPeerChoking updates whether the remote is choking us. On the
// true-transition, all locally-pending requests are cleared: the remote is
// free to discard them, so they return to the pool.
func (s *State) SetPeerChoking(choking bool) []BlockKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerChoking = choking
	if !choking {
		return nil
	}
	var cleared []BlockKey
	for k := range s.pendingRequests {
		cleared = append(cleared, k)
		delete(s.pendingRequests, k)
	}
	return cleared
}

// Interested reports whether the local side has declared interest.
func (s *State) Interested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interested
}

// SetInterested sets the local interested flag.
func (s *State) SetInterested(interested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interested = interested
}

// PeerInterested reports whether the remote peer has declared interest.
func (s *State) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// SetPeerInterested sets whether the remote peer is interested.
func (s *State) SetPeerInterested(interested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerInterested = interested
}

// LastChoked returns the last time the local side choked this peer.
func (s *State) LastChoked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChoked
}

// SetHave marks piece i present in the peer's advertised bitfield.
func (s *State) SetHave(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitfield.Set(uint(i))
}

// SetBitfield replaces the peer's advertised bitfield wholesale, e.g. on
// receipt of a BITFIELD message immediately after the handshake.
func (s *State) SetBitfield(b *bitset.BitSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitfield = b
}

// HasPiece reports whether the peer has advertised piece i.
func (s *State) HasPiece(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Test(uint(i))
}

// Bitfield returns a copy of the peer's advertised bitfield.
func (s *State) Bitfield() *bitset.BitSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Clone()
}

// AddPendingRequest records an outbound REQUEST as pending.
func (s *State) AddPendingRequest(k BlockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRequests[k] = s.clk.Now()
}

// RemovePendingRequest clears a pending outbound request, e.g. on receipt
// of the matching PIECE or on CANCEL.
func (s *State) RemovePendingRequest(k BlockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingRequests, k)
}

// PendingRequests returns a snapshot of all currently outstanding outbound
// requests.
func (s *State) PendingRequests() []BlockKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]BlockKey, 0, len(s.pendingRequests))
	for k := range s.pendingRequests {
		keys = append(keys, k)
	}
	return keys
}

// NumPendingRequests returns the count of outstanding outbound requests.
func (s *State) NumPendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRequests)
}

// AddPendingWrite marks a received block's storage write as in flight.
func (s *State) AddPendingWrite(k BlockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingWrites[k] = struct{}{}
}

// RemovePendingWrite clears an in-flight write once it completes.
func (s *State) RemovePendingWrite(k BlockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingWrites, k)
}

// Cancel records that the peer cancelled block k; the upload producer
// consults this before emitting a queued PIECE.
func (s *State) Cancel(k BlockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[k] = struct{}{}
}

// IsCancelled reports whether k has been cancelled, consuming the record.
func (s *State) IsCancelled(k BlockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[k]
	if ok {
		delete(s.cancelled, k)
	}
	return ok
}

// SetAssignedPieces replaces the peer's current assignment view. The
// assignment manager owns the authoritative Assignment records; this is a
// read-mostly snapshot so upload/download-path code can answer "what is
// this peer working on" without reaching into the manager.
func (s *State) SetAssignedPieces(pieces []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedPieces = pieces
}

// AssignedPieces returns the peer's current assignment view.
func (s *State) AssignedPieces() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.assignedPieces))
	copy(out, s.assignedPieces)
	return out
}

// SetExtension installs extension state for id, e.g. BEP-10 ut_pex state
// once negotiated in the extended handshake.
func (s *State) SetExtension(id byte, state ExtensionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[id] = state
}

// Extension returns the extension state for id, if any.
func (s *State) Extension(id byte) (ExtensionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.extensions[id]
	return st, ok
}
