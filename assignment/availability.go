// Package assignment implements piece selection and the global assignment
// ledger: which peer is currently responsible for fetching which piece, on
// what deadline, with what outcome.
package assignment

import "github.com/monzo-labs/torrentcore/utils/syncutil"

// Availability tracks, for each piece, the number of connected peers
// currently advertising it. It is PieceStatistics from the data model:
// shared read by the selector, mutated only on bitfield/HAVE and
// disconnect events. Built on syncutil.Counters, the same fixed-size
// lockable-counter-slice primitive used elsewhere in the engine.
type Availability struct {
	counters *syncutil.Counters
}

// NewAvailability creates an Availability table for a torrent with
// numPieces pieces, all starting at zero.
func NewAvailability(numPieces int) *Availability {
	return &Availability{counters: syncutil.NewCounters(numPieces)}
}

// Increment records one more peer advertising piece i.
func (a *Availability) Increment(i int) {
	a.counters.Increment(i)
}

// Decrement records one fewer peer advertising piece i, e.g. on disconnect.
// It never drops below zero: a peer can only be counted as advertising a
// piece once, so a matching Decrement for an un-incremented piece is a
// caller bug, not a valid underflow to track.
func (a *Availability) Decrement(i int) {
	if a.counters.Get(i) > 0 {
		a.counters.Decrement(i)
	}
}

// Count returns the current availability count of piece i.
func (a *Availability) Count(i int) int {
	return a.counters.Get(i)
}

// Snapshot returns a copy of the full availability table.
func (a *Availability) Snapshot() []int {
	out := make([]int, a.counters.Len())
	for i := range out {
		out[i] = a.counters.Get(i)
	}
	return out
}
