package pex

import (
	"sort"
	"sync"
	"time"

	"github.com/monzo-labs/torrentcore/core"
)

// queue is an instant-ordered sequence of Events for one torrent:
// a monotonically ordered structure indexed by event instant, deleted from
// by front-trim only. Insertion events arrive in near-monotonic wall-clock
// order already, so a sorted slice with binary-search insertion is used
// rather than a full heap.
type queue struct {
	mu     sync.RWMutex
	events []Event
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) add(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].Instant.After(e.Instant)
	})
	q.events = append(q.events, Event{})
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = e
}

// since returns up to max events with Instant >= from, excluding any event
// naming exclude as its peer, in ascending instant order.
func (q *queue) since(from time.Time, exclude core.Peer, max int) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	start := sort.Search(len(q.events), func(i int) bool {
		return !q.events[i].Instant.Before(from)
	})
	var out []Event
	for _, e := range q.events[start:] {
		if samePeer(e.Peer, exclude) {
			continue
		}
		out = append(out, e)
		if len(out) == max {
			break
		}
	}
	return out
}

// trimThrough discards every event with Instant <= t. The inclusive bound
// can evict an event a subscriber was *just* sent in the same tick; this
// race is known and accepted.
func (q *queue) trimThrough(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.events) && !q.events[i].Instant.After(t) {
		i++
	}
	q.events = q.events[i:]
}

func (q *queue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.events)
}
