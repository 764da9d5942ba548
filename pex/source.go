package pex

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/core"
)

// Config controls a Source's rate limiting and retention.
type Config struct {
	// MinMessageInterval is the minimum time between two PEX messages sent
	// to the same connection.
	MinMessageInterval time.Duration `yaml:"min_message_interval"`

	// MaxMessageInterval forces a message (even a small one) to a
	// connection that hasn't heard from us in this long, so a single
	// straggling peer isn't starved of swarm updates.
	MaxMessageInterval time.Duration `yaml:"max_message_interval"`

	// MinEventsPerMessage is the batch size that triggers an immediate
	// send once MinMessageInterval has elapsed.
	MinEventsPerMessage int `yaml:"min_events_per_message"`

	// MaxEventsPerMessage caps how many events a single message carries.
	MaxEventsPerMessage int `yaml:"max_events_per_message"`

	// CleanupInterval is how often the event queue is trimmed against the
	// oldest still-subscribed connection's last-sent time.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RetentionTTL bounds how long a connection's last-sent timestamp is
	// remembered after it stops being produced to, so a long-gone
	// connection can't pin the queue open forever.
	RetentionTTL time.Duration `yaml:"retention_ttl"`
}

func (c *Config) applyDefaults() {
	if c.MinMessageInterval == 0 {
		c.MinMessageInterval = 60 * time.Second
	}
	if c.MaxMessageInterval == 0 {
		c.MaxMessageInterval = 120 * time.Second
	}
	if c.MinEventsPerMessage == 0 {
		c.MinEventsPerMessage = 1
	}
	if c.MaxEventsPerMessage == 0 {
		c.MaxEventsPerMessage = 50
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 37 * time.Second
	}
	if c.RetentionTTL == 0 {
		c.RetentionTTL = 10 * time.Minute
	}
}

// Message is the set of peer deltas to gossip to one connection.
type Message struct {
	Added   []core.Peer
	Dropped []core.Peer
}

// Source is the per-torrent PEX state: the event queue, the set of
// PEX-capable connections (those whose extended handshake advertised
// ut_pex) and each one's last-sent timestamp.
type Source struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	log    *zap.SugaredLogger

	queue *queue

	mu       sync.Mutex
	capable  map[core.PeerID]core.Peer
	lastSent map[core.PeerID]time.Time
}

// New creates a Source.
func New(config Config, clk clock.Clock, stats tally.Scope, log *zap.SugaredLogger) *Source {
	config.applyDefaults()
	return &Source{
		config:   config,
		clk:      clk,
		stats:    stats,
		log:      log,
		queue:    newQueue(),
		capable:  make(map[core.PeerID]core.Peer),
		lastSent: make(map[core.PeerID]time.Time),
	}
}

// MarkCapable registers peer as PEX-capable: its extended handshake
// advertised the ut_pex extension. The registration time becomes the
// connection's initial last-sent timestamp, so MinMessageInterval is
// counted from it.
func (s *Source) MarkCapable(peer core.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capable[peer.ID] = peer
	if _, ok := s.lastSent[peer.ID]; !ok {
		s.lastSent[peer.ID] = s.clk.Now()
	}
}

// RemoveConnection forgets id, e.g. on disconnect.
func (s *Source) RemoveConnection(id core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.capable, id)
	delete(s.lastSent, id)
}

// PeerAdded enqueues an ADDED event for peer.
func (s *Source) PeerAdded(peer core.Peer) {
	s.queue.add(Event{Kind: Added, Peer: peer, Instant: s.clk.Now()})
}

// PeerDropped enqueues a DROPPED event for peer.
func (s *Source) PeerDropped(peer core.Peer) {
	s.queue.add(Event{Kind: Dropped, Peer: peer, Instant: s.clk.Now()})
}

// Produce returns the PEX message that should be sent to connection id
// right now, if any. The second return is false when no message should be
// sent this call (rate limit not crossed, or id isn't PEX-capable).
func (s *Source) Produce(id core.PeerID) (Message, bool) {
	s.mu.Lock()
	peer, capable := s.capable[id]
	if !capable {
		s.mu.Unlock()
		return Message{}, false
	}
	last, seen := s.lastSent[id]
	now := s.clk.Now()
	if seen && now.Sub(last) < s.config.MinMessageInterval {
		s.mu.Unlock()
		return Message{}, false
	}
	s.mu.Unlock()

	since := time.Time{}
	if seen {
		since = last
	}
	events := s.queue.since(since, peer, s.config.MaxEventsPerMessage)

	shouldEmit := len(events) >= s.config.MinEventsPerMessage ||
		(len(events) >= 1 && (!seen || now.Sub(last) >= s.config.MaxMessageInterval))
	if !shouldEmit {
		return Message{}, false
	}

	var msg Message
	for _, e := range events {
		switch e.Kind {
		case Added:
			msg.Added = append(msg.Added, e.Peer)
		case Dropped:
			msg.Dropped = append(msg.Dropped, e.Peer)
		}
	}

	s.mu.Lock()
	s.lastSent[id] = now
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.Counter("pex.messages_sent").Inc(1)
	}
	return msg, true
}

// Cleanup computes the oldest last-sent timestamp across all still-tracked
// connections and trims events at or before it from the queue.
// Connections that haven't been produced to within
// RetentionTTL are forgotten first so a single stale entry can't pin the
// queue open indefinitely.
func (s *Source) Cleanup() {
	now := s.clk.Now()

	s.mu.Lock()
	var lru time.Time
	found := false
	for id, t := range s.lastSent {
		if now.Sub(t) > s.config.RetentionTTL {
			delete(s.lastSent, id)
			continue
		}
		if !found || t.Before(lru) {
			lru = t
			found = true
		}
	}
	s.mu.Unlock()

	if !found {
		return
	}
	s.queue.trimThrough(lru)
}

// QueueLen reports the current number of buffered events, for tests and
// introspection.
func (s *Source) QueueLen() int {
	return s.queue.len()
}
