// Package choke implements the choking algorithm: a periodic selector of
// which peers to unchoke, combining a throughput-ranked regular policy with
// a rotating optimistic unchoke.
package choke

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/peerstate"
)

// Mode selects which byte counter drives the throughput ranking. A
// leeching torrent ranks peers by how much they have sent us recently,
// reciprocating the best sources; a seeding torrent ranks by how much we
// have sent them, reciprocating the best sinks.
type Mode int

// Recognized modes.
const (
	Leeching Mode = iota
	Seeding
)

// Config controls the choker's timing and fan-out.
type Config struct {
	// Interval is how often the choker re-evaluates who to unchoke.
	Interval time.Duration `yaml:"interval"`

	// TopN is how many non-choked, interested peers are kept unchoked by
	// throughput rank.
	TopN int `yaml:"top_n"`

	// OptimisticUnchokeEvery triggers one additional random optimistic
	// unchoke every this-many ticks.
	OptimisticUnchokeEvery int `yaml:"optimistic_unchoke_every"`
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.TopN == 0 {
		c.TopN = 4
	}
	if c.OptimisticUnchokeEvery == 0 {
		c.OptimisticUnchokeEvery = 3
	}
}

// Choker periodically unchokes the top-N interested peers by recent
// throughput, plus a rotating optimistic unchoke. It holds no reference to
// any particular torrent's connection set; callers supply a snapshot each
// tick via Run's peers function.
type Choker struct {
	config Config
	clk    clock.Clock
	rnd    *rand.Rand
	stats  tally.Scope
	log    *zap.SugaredLogger

	mu   sync.Mutex
	tick int
	last map[core.PeerID]int64
}

// New creates a Choker.
func New(config Config, clk clock.Clock, stats tally.Scope, log *zap.SugaredLogger) *Choker {
	config.applyDefaults()
	return &Choker{
		config: config,
		clk:    clk,
		rnd:    rand.New(rand.NewSource(clk.Now().UnixNano())),
		stats:  stats,
		log:    log,
		last:   make(map[core.PeerID]int64),
	}
}

// Run drives the choker's ticker loop until ctx is cancelled. On each tick
// it calls peers to snapshot the currently connected peer states for one
// torrent and mutates each State's choking flag in place via SetChoking.
// mode is re-read every tick so a torrent that finishes downloading flips
// the ranking from downloaded-delta to uploaded-delta without restarting
// the loop.
func (c *Choker) Run(ctx context.Context, mode func() Mode, peers func() []*peerstate.State) {
	tick := c.clk.Tick(c.config.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.tickOnce(mode(), peers())
		}
	}
}

type scored struct {
	state *peerstate.State
	delta int64
}

// TickOnce runs a single evaluation pass. It is exported so Run's interval
// loop and tests can both drive the same logic.
func (c *Choker) TickOnce(mode Mode, conns []*peerstate.State) {
	c.tickOnce(mode, conns)
}

// Interval returns the configured re-evaluation interval, with defaults
// applied, so callers translating choke-state flips into wire messages can
// poll on the same cadence without duplicating config defaulting.
func (c *Choker) Interval() time.Duration {
	return c.config.Interval
}

func (c *Choker) tickOnce(mode Mode, conns []*peerstate.State) {
	c.mu.Lock()
	c.tick++
	optimistic := c.tick%c.config.OptimisticUnchokeEvery == 0
	c.mu.Unlock()

	var interested []scored
	for _, s := range conns {
		var cur int64
		if mode == Leeching {
			cur = s.Downloaded()
		} else {
			cur = s.Uploaded()
		}
		peerID := s.Key.PeerID
		prev := c.last[peerID]
		c.last[peerID] = cur

		if !s.PeerInterested() {
			s.SetChoking(true)
			continue
		}
		interested = append(interested, scored{state: s, delta: cur - prev})
	}

	sort.Slice(interested, func(i, j int) bool { return interested[i].delta > interested[j].delta })

	n := c.config.TopN
	if n > len(interested) {
		n = len(interested)
	}
	for i := 0; i < n; i++ {
		interested[i].state.SetChoking(false)
		if c.stats != nil {
			c.stats.Counter("choke.unchoke").Inc(1)
		}
	}
	for i := n; i < len(interested); i++ {
		interested[i].state.SetChoking(true)
	}

	if optimistic && n < len(interested) {
		pick := n + c.rnd.Intn(len(interested)-n)
		interested[pick].state.SetChoking(false)
		if c.stats != nil {
			c.stats.Counter("choke.optimistic_unchoke").Inc(1)
		}
	}
}
