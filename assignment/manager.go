package assignment

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/monzo-labs/torrentcore/core"
)

// Status is the lifecycle state of a single Assignment.
type Status int

const (
	// Active means the piece is currently out on request to Peer, before
	// its deadline.
	Active Status = iota
	// Done means the piece was verified and the Assignment is retired.
	Done
	// Failed means the Assignment ended without verification: its deadline
	// passed or its piece failed the hash check (Peer is blamed), or it was
	// released after a local error (no blame). The piece returns to the
	// selectable pool. ClearPeer drops a disconnected peer's Assignments
	// without marking them Failed.
	Failed
)

// Assignment records one peer's current responsibility for fetching one
// piece.
type Assignment struct {
	Peer       core.PeerID
	PieceIndex int
	Deadline   time.Time
	Status     Status
}

// Config controls the assignment manager's behavior.
type Config struct {
	// MaxActivePerPeer caps how many pieces a single peer may have
	// outstanding at once.
	MaxActivePerPeer int `yaml:"max_active_per_peer"`

	// AssignmentTimeout is how long a piece may stay Active before it's
	// declared overdue and returned to the pool.
	AssignmentTimeout time.Duration `yaml:"assignment_timeout"`

	// EndgameThreshold is the number of still-unverified pieces at or
	// below which endgame mode activates: the same outstanding piece may
	// be assigned to more than one peer at once.
	EndgameThreshold int `yaml:"endgame_threshold"`
}

func (c *Config) applyDefaults() {
	if c.MaxActivePerPeer == 0 {
		c.MaxActivePerPeer = 5
	}
	if c.AssignmentTimeout == 0 {
		c.AssignmentTimeout = 60 * time.Second
	}
	// EndgameThreshold is deliberately left at its zero value when unset:
	// 0 is a legitimate choice (endgame only once every piece is verified,
	// i.e. never while work remains), not a sentinel for "unconfigured". A
	// caller wiring this up for real downloads sets it explicitly; the
	// engine passes its configured value through unchanged.
}

// Manager owns the authoritative set of in-flight Assignments for one
// torrent and the policy used to pick new pieces for a peer that wants
// more work. It is the piece-request manager from the data model,
// generalized over Policy so rarest-first, randomized-rarest and
// sequential selection share one bookkeeping core.
type Manager struct {
	numPieces int
	policy    Policy
	clk       clock.Clock
	config    Config

	avail *Availability

	mu          sync.Mutex
	byPeer      map[core.PeerID]map[int]*Assignment
	pieceToPeer map[int]map[core.PeerID]*Assignment
	verified    *bitset.BitSet
	blame       map[core.PeerID]int
}

// NewManager creates a Manager for a torrent with numPieces pieces.
func NewManager(numPieces int, policy Policy, clk clock.Clock, config Config) *Manager {
	config.applyDefaults()
	return &Manager{
		numPieces:   numPieces,
		policy:      policy,
		clk:         clk,
		config:      config,
		avail:       NewAvailability(numPieces),
		byPeer:      make(map[core.PeerID]map[int]*Assignment),
		pieceToPeer: make(map[int]map[core.PeerID]*Assignment),
		verified:    bitset.New(uint(numPieces)),
		blame:       make(map[core.PeerID]int),
	}
}

// Availability exposes the manager's availability table, e.g. for a
// connection handler to call Increment/Decrement as bitfields and HAVEs
// arrive.
func (m *Manager) Availability() *Availability {
	return m.avail
}

// MarkVerified retires every Assignment for pieceIndex as Done and removes
// it from the selectable pool permanently.
func (m *Manager) MarkVerified(pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.verified.Set(uint(pieceIndex))
	for peer, a := range m.pieceToPeer[pieceIndex] {
		a.Status = Done
		delete(m.byPeer[peer], pieceIndex)
	}
	delete(m.pieceToPeer, pieceIndex)
}

func (m *Manager) endgame() bool {
	return int(m.verified.Count()) >= m.numPieces-m.config.EndgameThreshold
}

// NextAssignments selects up to limit new pieces for peer to fetch, given
// the bitset of pieces peer has available. It enforces the
// MaxActivePerPeer cap and, outside endgame, never assigns a piece already
// assigned to another peer.
func (m *Manager) NextAssignments(peer core.PeerID, peerHas *bitset.BitSet, limit int) []*Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.byPeer[peer]
	room := m.config.MaxActivePerPeer - len(active)
	if room <= 0 || limit <= 0 {
		return nil
	}
	if limit > room {
		limit = room
	}

	candidates := peerHas.Clone()
	candidates.InPlaceDifference(m.verified)
	if active != nil {
		for idx := range active {
			candidates.Clear(uint(idx))
		}
	}

	endgame := m.endgame()
	if !endgame {
		for idx := range m.pieceToPeer {
			candidates.Clear(uint(idx))
		}
	}

	selected := m.policy.Select(candidates, m.avail.Snapshot(), limit)

	var out []*Assignment
	for _, idx := range selected {
		a := &Assignment{
			Peer:       peer,
			PieceIndex: idx,
			Deadline:   m.clk.Now().Add(m.config.AssignmentTimeout),
			Status:     Active,
		}
		if m.byPeer[peer] == nil {
			m.byPeer[peer] = make(map[int]*Assignment)
		}
		m.byPeer[peer][idx] = a
		if m.pieceToPeer[idx] == nil {
			m.pieceToPeer[idx] = make(map[core.PeerID]*Assignment)
		}
		m.pieceToPeer[idx][peer] = a
		out = append(out, a)
	}
	return out
}

// ExpireOverdue releases every Active Assignment whose deadline has
// passed, marks it Failed and blames the responsible peer. Returns the
// expired Assignments so the caller can issue CANCELs to the offending
// peers.
func (m *Manager) ExpireOverdue() []*Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var expired []*Assignment
	for idx, peers := range m.pieceToPeer {
		for peer, a := range peers {
			if a.Status != Active || now.Before(a.Deadline) {
				continue
			}
			a.Status = Failed
			m.blame[peer]++
			delete(peers, peer)
			delete(m.byPeer[peer], idx)
			expired = append(expired, a)
		}
		if len(peers) == 0 {
			delete(m.pieceToPeer, idx)
		}
	}
	return expired
}

// Fail marks peer's Assignment for pieceIndex Failed and blames peer, e.g.
// after the piece it delivered failed its hash check. The piece returns to
// the selectable pool immediately.
func (m *Manager) Fail(peer core.PeerID, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blame[peer]++
	m.release(peer, pieceIndex)
}

// Release marks peer's Assignment for pieceIndex Failed without blame, e.g.
// when a local storage error (not the peer's doing) rejected the block. The
// piece returns to the selectable pool for retry.
func (m *Manager) Release(peer core.PeerID, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.release(peer, pieceIndex)
}

func (m *Manager) release(peer core.PeerID, pieceIndex int) {
	a, ok := m.pieceToPeer[pieceIndex][peer]
	if !ok {
		return
	}
	a.Status = Failed
	delete(m.pieceToPeer[pieceIndex], peer)
	if len(m.pieceToPeer[pieceIndex]) == 0 {
		delete(m.pieceToPeer, pieceIndex)
	}
	delete(m.byPeer[peer], pieceIndex)
}

// ClearPeer releases every Assignment held by peer, e.g. on disconnect.
// Pieces with no remaining holder return to the selectable pool; no blame
// is recorded since a disconnect isn't necessarily the peer's fault.
func (m *Manager) ClearPeer(peer core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := range m.byPeer[peer] {
		delete(m.pieceToPeer[idx], peer)
		if len(m.pieceToPeer[idx]) == 0 {
			delete(m.pieceToPeer, idx)
		}
	}
	delete(m.byPeer, peer)
}

// Blame returns how many Assignments have gone Failed while held by peer.
func (m *Manager) Blame(peer core.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blame[peer]
}

// HoldersOf returns the peers currently holding an Assignment for
// pieceIndex. In steady state this has at most one entry; in endgame it
// may have more.
func (m *Manager) HoldersOf(pieceIndex int) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.PeerID
	for peer := range m.pieceToPeer[pieceIndex] {
		out = append(out, peer)
	}
	return out
}
