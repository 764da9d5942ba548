package assignment

import (
	"math/rand"

	"github.com/willf/bitset"

	"github.com/monzo-labs/torrentcore/utils/heap"
)

// Policy selects up to limit pieces to assign next, drawn from candidates
// (pieces the peer has and we don't), informed by the current availability
// snapshot.
type Policy interface {
	Select(candidates *bitset.BitSet, availability []int, limit int) []int
}

// candidateIndices returns the piece indices set in candidates, in
// ascending order.
func candidateIndices(candidates *bitset.BitSet) []int {
	var out []int
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// RarestFirstPolicy always prefers pieces with the lowest availability
// count, breaking ties by piece index. This is the data model's packed-key
// ordering -- (count, piece_index) compared lexicographically -- realized
// here as a single sortable priority fed into a min-heap, since the pieces
// involved in any one torrent comfortably fit in an int's range.
type RarestFirstPolicy struct{}

func (RarestFirstPolicy) Select(candidates *bitset.BitSet, availability []int, limit int) []int {
	indices := candidateIndices(candidates)
	if len(indices) == 0 || limit <= 0 {
		return nil
	}

	n := len(availability)
	items := make([]*heap.Item, 0, len(indices))
	for _, i := range indices {
		priority := availability[i]*n + i
		items = append(items, &heap.Item{Value: i, Priority: priority})
	}
	pq := heap.NewPriorityQueue(items...)

	var out []int
	for len(out) < limit && pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			break
		}
		out = append(out, item.Value.(int))
	}
	return out
}

// RandomizedRarestPolicy groups candidates into equal-availability runs
// (rarest run first) and shuffles the order within each run, so that many
// peers downloading the same torrent don't all race for the exact same
// piece in the exact same order.
type RandomizedRarestPolicy struct {
	Rand *rand.Rand
}

func (p RandomizedRarestPolicy) Select(candidates *bitset.BitSet, availability []int, limit int) []int {
	indices := candidateIndices(candidates)
	if len(indices) == 0 || limit <= 0 {
		return nil
	}

	byCount := make(map[int][]int)
	var counts []int
	for _, i := range indices {
		c := availability[i]
		if _, ok := byCount[c]; !ok {
			counts = append(counts, c)
		}
		byCount[c] = append(byCount[c], i)
	}
	sortInts(counts)

	r := p.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}

	var out []int
	for _, c := range counts {
		run := byCount[c]
		r.Shuffle(len(run), func(i, j int) { run[i], run[j] = run[j], run[i] })
		for _, i := range run {
			if len(out) == limit {
				return out
			}
			out = append(out, i)
		}
	}
	return out
}

// SequentialPolicy always prefers the lowest piece index among candidates,
// ignoring availability. Used for streaming-style playback where
// in-order delivery matters more than swarm health.
type SequentialPolicy struct{}

func (SequentialPolicy) Select(candidates *bitset.BitSet, availability []int, limit int) []int {
	indices := candidateIndices(candidates)
	if len(indices) > limit {
		indices = indices[:limit]
	}
	return indices
}

// sortInts is a tiny insertion sort; the slice of distinct counts seen is
// always small relative to the piece count.
func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
