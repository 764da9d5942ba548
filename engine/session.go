package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/monzo-labs/torrentcore/assignment"
	"github.com/monzo-labs/torrentcore/choke"
	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/eventlog"
	"github.com/monzo-labs/torrentcore/peerstate"
	"github.com/monzo-labs/torrentcore/pex"
	"github.com/monzo-labs/torrentcore/pipeline"
	"github.com/monzo-labs/torrentcore/registry"
	"github.com/monzo-labs/torrentcore/storage"
)

// blockSpec is one (begin, length) block within a piece.
type blockSpec struct {
	begin  int
	length int
}

// blockOffsets splits a piece of pieceLen bytes into blockSize-sized
// requests, the last one short if pieceLen doesn't divide evenly.
func blockOffsets(pieceLen int64, blockSize int) []blockSpec {
	var out []blockSpec
	for begin := int64(0); begin < pieceLen; begin += int64(blockSize) {
		length := int64(blockSize)
		if begin+length > pieceLen {
			length = pieceLen - begin
		}
		out = append(out, blockSpec{begin: int(begin), length: int(length)})
	}
	return out
}

// torrentSession is the live, running counterpart to a registry.Descriptor:
// the piece store, assignment manager, choker, PEX source and processing
// pipeline wired together for one torrent, plus its currently established
// connections. One torrentSession exists per torrent added to an Engine.
type torrentSession struct {
	infoHash   core.InfoHash
	descriptor *registry.Descriptor
	torrent    *storage.Torrent
	manager    *assignment.Manager
	choker     *choke.Choker
	pex        *pex.Source
	pipeline   *pipeline.Pipeline
	events     eventlog.Producer

	mu    sync.Mutex
	mode  choke.Mode
	conns map[core.PeerID]*peerConn

	cancel context.CancelFunc
	group  *errgroup.Group
}

// currentMode returns the session's choking mode, re-read by the choker
// every tick.
func (s *torrentSession) currentMode() choke.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *torrentSession) addConn(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[pc.peerID] = pc
}

func (s *torrentSession) removeConn(peerID core.PeerID) {
	s.mu.Lock()
	pc, ok := s.conns[peerID]
	delete(s.conns, peerID)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.manager.ClearPeer(peerID)
	avail := s.manager.Availability()
	bits := pc.state.Bitfield()
	for i, set := bits.NextSet(0); set; i, set = bits.NextSet(i + 1) {
		avail.Decrement(int(i))
	}
	s.pex.RemoveConnection(peerID)
	if pc.peer != nil {
		s.pex.PeerDropped(*pc.peer)
	}
	s.events.Produce(eventlog.Event{
		Kind:       eventlog.PeerDisconnected,
		InfoHash:   s.infoHash,
		PeerID:     peerID,
		TimeUnixMs: time.Now().UnixMilli(),
	})
}

// snapshotStates returns every connection's peerstate.State, the shape the
// choker consumes each tick.
func (s *torrentSession) snapshotStates() []*peerstate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerstate.State, 0, len(s.conns))
	for _, pc := range s.conns {
		out = append(out, pc.state)
	}
	return out
}

func (s *torrentSession) connsSnapshot() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		out = append(out, pc)
	}
	return out
}

// broadcastHave sends a HAVE for pieceIndex to every connection except
// from, the connection the completing PIECE message arrived on.
func (s *torrentSession) broadcastHave(pieceIndex int, from core.PeerID) {
	for _, pc := range s.connsSnapshot() {
		if pc.peerID == from {
			continue
		}
		pc.sendHave(pieceIndex)
	}
}

// broadcastCancel sends CANCEL for every pending request on pieceIndex to
// every connection except from, the connection whose PIECE just verified
// it. This is the endgame losers' cleanup: once one peer wins the race for
// a piece, any still-outstanding duplicate requests sent to other peers
// during endgame are obsolete and withdrawn.
func (s *torrentSession) broadcastCancel(pieceIndex int, from core.PeerID) {
	for _, pc := range s.connsSnapshot() {
		if pc.peerID == from {
			continue
		}
		for _, key := range pc.state.PendingRequests() {
			if key.PieceIndex != pieceIndex {
				continue
			}
			pc.state.RemovePendingRequest(key)
			pc.sendCancel(key)
		}
	}
}

// advancePipelineIfComplete drives the pipeline's DOWNLOAD->next-stage
// transition the moment every piece has verified. It is a no-op if the
// pipeline has already left DOWNLOAD or the torrent isn't yet complete.
func (s *torrentSession) advancePipelineIfComplete() {
	if s.pipeline.Current() != pipeline.Download {
		return
	}
	if !s.torrent.Complete() {
		return
	}
	s.mu.Lock()
	s.mode = choke.Seeding
	s.mu.Unlock()
	s.events.Produce(eventlog.Event{
		Kind:       eventlog.DownloadComplete,
		InfoHash:   s.infoHash,
		TimeUnixMs: time.Now().UnixMilli(),
	})
	s.pipeline.Advance(pipeline.NewContext(s.infoHash))
}

// stall surfaces a stalled data descriptor: storage has rejected the same
// piece's commit repeatedly, so no further download progress is possible.
// The descriptor is deactivated, the failure is published as an event, and
// the pipeline terminates.
func (s *torrentSession) stall() {
	s.descriptor.SetActive(false)
	s.events.Produce(eventlog.Event{
		Kind:       eventlog.DescriptorStalled,
		InfoHash:   s.infoHash,
		TimeUnixMs: time.Now().UnixMilli(),
	})
	s.pipeline.StartAt(pipeline.Stop)
}

// close stops the session's background loops (choker, PEX cleanup,
// assignment sweep) and blocks until they exit.
func (s *torrentSession) close() {
	s.cancel()
	s.group.Wait()
}
