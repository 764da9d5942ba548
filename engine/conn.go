package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/bandwidth"
	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/peerstate"
	"github.com/monzo-labs/torrentcore/pex"
	"github.com/monzo-labs/torrentcore/storage"
	"github.com/monzo-labs/torrentcore/upload"
	"github.com/monzo-labs/torrentcore/wire"
)

// localExtIDPex is the EXTENDED message sub-id this engine assigns itself
// for receiving ut_pex messages, advertised in its own extended handshake's
// m dict. Dispatch on receipt switches on this fixed id, never on
// reflection over a decoded payload's shape.
const localExtIDPex byte = 1

// pexExtensionState records the remote's own advertised sub-id for ut_pex,
// so outbound ut_pex messages are tagged with the id the *remote* asked for
// rather than our own, per BEP-10.
type pexExtensionState struct {
	remoteID byte
}

func (pexExtensionState) ExtensionState() {}

// peerConn is one established, protocol-speaking connection to a remote
// peer, scoped to a single torrent.
type peerConn struct {
	nc       net.Conn
	peerID   core.PeerID
	peer     *core.Peer
	session  *torrentSession
	producer *upload.Producer
	state    *peerstate.State
	log      *zap.SugaredLogger
	clk      clock.Clock
	limiter  *bandwidth.Limiter

	maxFrameLength    uint32
	requestsPerTick   int
	chokeInterval     time.Duration
	keepAliveInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu       sync.Mutex
	lastChokeSent bool // mirrors the protocol's implicit starting choke state
}

// pexLoop periodically produces and sends a ut_pex message to this
// connection, if it advertised support in its extended handshake. It exits
// when pc.ctx is cancelled, e.g. on disconnect.
func (pc *peerConn) pexLoop() {
	tick := pc.clk.Tick(30 * time.Second)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-tick:
			pc.sendPex()
		}
	}
}

// keepAliveLoop emits the zero-length keep-alive frame on a fixed interval
// so an otherwise idle connection isn't dropped by the remote's inactivity
// timer.
func (pc *peerConn) keepAliveLoop() {
	tick := pc.clk.Tick(pc.keepAliveInterval)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-tick:
			if err := pc.Send(&wire.Message{KeepAlive: true}); err != nil {
				pc.log.Debugw("failed to send keep-alive", "peer", pc.peerID, "error", err)
			}
		}
	}
}

// chokeSyncLoop translates the choker's periodic mutation of
// pc.state.Choking() into the CHOKE/UNCHOKE wire messages the remote
// actually needs to see; the choke package itself only maintains the local
// flag, not the connection.
func (pc *peerConn) chokeSyncLoop() {
	tick := pc.clk.Tick(pc.chokeInterval)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-tick:
			pc.syncChokeState()
		}
	}
}

func (pc *peerConn) syncChokeState() {
	choking := pc.state.Choking()
	if choking == pc.lastChokeSent {
		return
	}
	var err error
	if choking {
		err = pc.Send(wire.NewChoke())
	} else {
		err = pc.Send(wire.NewUnchoke())
	}
	if err != nil {
		pc.log.Debugw("failed to send choke state", "peer", pc.peerID, "error", err)
		return
	}
	pc.lastChokeSent = choking
}

func (pc *peerConn) sendPex() {
	ext, ok := pc.state.Extension(localExtIDPex)
	if !ok {
		return
	}
	remoteID := ext.(pexExtensionState).remoteID

	msg, ok := pc.session.pex.Produce(pc.peerID)
	if !ok {
		return
	}
	payload, err := pex.Encode(msg)
	if err != nil {
		pc.log.Debugw("failed to encode ut_pex message", "peer", pc.peerID, "error", err)
		return
	}
	if err := pc.Send(wire.NewExtended(remoteID, payload)); err != nil {
		pc.log.Debugw("failed to send ut_pex message", "peer", pc.peerID, "error", err)
	}
}

// Send implements upload.Sender: it serializes concurrent writers (the
// upload producer and the download-request path both call this) behind a
// single mutex so frames never interleave. The frame is encoded before the
// egress reservation so the limiter throttles on the actual wire size, not
// an estimate.
func (pc *peerConn) Send(m *wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := pc.limiter.ReserveEgress(int64(len(frame))); err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, err = pc.nc.Write(frame)
	return err
}

func (pc *peerConn) sendHave(pieceIndex int) {
	if err := pc.Send(wire.NewHave(uint32(pieceIndex))); err != nil {
		pc.log.Debugw("failed to send have", "peer", pc.peerID, "error", err)
	}
}

func (pc *peerConn) sendCancel(key peerstate.BlockKey) {
	msg := wire.NewCancel(uint32(key.PieceIndex), uint32(key.Begin), uint32(key.Length))
	if err := pc.Send(msg); err != nil {
		pc.log.Debugw("failed to send cancel", "peer", pc.peerID, "error", err)
	}
}

// readLoop is the connection's single reader goroutine. It owns every
// mutation of pc.state that isn't itself protected by state's own locking,
// matching peerstate's "owned exclusively by the connection's goroutine"
// invariant.
func (pc *peerConn) readLoop() {
	defer pc.session.removeConn(pc.peerID)
	defer pc.nc.Close()

	for {
		m, nbytes, err := wire.ReadMessage(pc.nc, pc.maxFrameLength)
		if err != nil {
			pc.log.Debugw("connection read error, closing", "peer", pc.peerID, "error", err)
			return
		}
		if err := pc.limiter.ReserveIngress(int64(nbytes)); err != nil {
			pc.log.Debugw("ingress reservation failed, closing", "peer", pc.peerID, "error", err)
			return
		}
		if m.KeepAlive {
			continue
		}
		pc.dispatch(m)
	}
}

func (pc *peerConn) dispatch(m *wire.Message) {
	switch m.ID {
	case wire.Choke:
		// The remote is free to discard anything we had pending; the cleared
		// requests and this peer's assignments return to the pool.
		pc.state.SetPeerChoking(true)
		pc.session.manager.ClearPeer(pc.peerID)
		pc.state.SetAssignedPieces(nil)
	case wire.Unchoke:
		pc.state.SetPeerChoking(false)
		pc.maybeRequestBlocks()
	case wire.Interested:
		pc.state.SetPeerInterested(true)
	case wire.NotInterested:
		pc.state.SetPeerInterested(false)
	case wire.Have:
		pc.state.SetHave(int(m.Index))
		pc.session.manager.Availability().Increment(int(m.Index))
		pc.updateInterest()
		pc.maybeRequestBlocks()
	case wire.Bitfield:
		pc.applyBitfield(m.Bits)
		pc.maybeRequestBlocks()
	case wire.Request:
		if err := pc.producer.Enqueue(*m); err != nil {
			pc.log.Debugw("dropping request, queue full", "peer", pc.peerID, "error", err)
		}
	case wire.Piece:
		pc.handlePiece(m)
	case wire.Cancel:
		pc.state.Cancel(peerstate.BlockKey{
			PieceIndex: int(m.Index),
			Begin:      int(m.Begin),
			Length:     int(m.Length),
		})
	case wire.Port:
		// DHT node announcement; no DHT implementation in scope.
	case wire.Extended:
		pc.handleExtended(m)
	default:
		pc.log.Debugw("unrecognized message, ignoring", "peer", pc.peerID, "id", m.ID)
	}
}

func (pc *peerConn) applyBitfield(raw []byte) {
	numPieces := pc.session.torrent.NumPieces()
	bs := wire.DecodeBitfield(raw, numPieces)
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		pc.session.manager.Availability().Increment(int(i))
	}
	pc.state.SetBitfield(bs)
	pc.updateInterest()
}

// updateInterest declares or withdraws interest in response to the peer's
// known bitfield changing (a BITFIELD or HAVE arriving), sending
// INTERESTED/NOT_INTERESTED only when the computed state flips.
func (pc *peerConn) updateInterest() {
	want := false
	ours := pc.session.torrent.Bitfield()
	theirs := pc.state.Bitfield()
	for i, ok := theirs.NextSet(0); ok; i, ok = theirs.NextSet(i + 1) {
		if !ours.Test(i) {
			want = true
			break
		}
	}
	if want == pc.state.Interested() {
		return
	}
	pc.state.SetInterested(want)
	var err error
	if want {
		err = pc.Send(wire.NewInterested())
	} else {
		err = pc.Send(wire.NewNotInterested())
	}
	if err != nil {
		pc.log.Debugw("failed to send interest", "peer", pc.peerID, "error", err)
	}
}

func (pc *peerConn) handlePiece(m *wire.Message) {
	key := peerstate.BlockKey{
		PieceIndex: int(m.Index),
		Begin:      int(m.Begin),
		Length:     len(m.Block),
	}
	pc.state.RemovePendingRequest(key)

	already := pc.session.torrent.HasPiece(int(m.Index))
	err := pc.session.torrent.WriteBlock(int(m.Index), int(m.Begin), m.Block)
	if errors.Is(err, storage.ErrPieceHashMismatch) {
		pc.log.Warnw("discarding piece after hash mismatch",
			"peer", pc.peerID, "piece", m.Index)
		pc.session.manager.Fail(pc.peerID, int(m.Index))
		pc.maybeRequestBlocks()
		return
	}
	if err != nil {
		pc.log.Errorw("failed to commit block",
			"peer", pc.peerID, "piece", m.Index, "error", err)
		pc.session.manager.Release(pc.peerID, int(m.Index))
		if pc.session.torrent.Stalled() {
			pc.session.stall()
		}
		pc.maybeRequestBlocks()
		return
	}
	pc.state.AddDownloaded(int64(len(m.Block)))

	if !already && pc.session.torrent.HasPiece(int(m.Index)) {
		pc.session.manager.MarkVerified(int(m.Index))
		pc.session.broadcastCancel(int(m.Index), pc.peerID)
		pc.session.broadcastHave(int(m.Index), pc.peerID)
		pc.session.advancePipelineIfComplete()
	}
	pc.updateInterest()
	pc.maybeRequestBlocks()
}

func (pc *peerConn) handleExtended(m *wire.Message) {
	if m.ExtendedID == 0 {
		hs, err := wire.DecodeExtendedHandshake(m.ExtendedPayload)
		if err != nil {
			pc.log.Debugw("malformed extended handshake", "peer", pc.peerID, "error", err)
			return
		}
		if pc.peer == nil && hs.Port != 0 {
			// Incoming connection: we only know the remote's ephemeral source
			// address, but its handshake names the port it accepts on.
			if ta, ok := pc.nc.RemoteAddr().(*net.TCPAddr); ok {
				pc.peer = &core.Peer{ID: pc.peerID, IP: ta.IP, Port: hs.Port, Extended: true}
				pc.session.pex.PeerAdded(*pc.peer)
			}
		}
		if id, ok := hs.M[pex.ExtensionName]; ok {
			pc.state.SetExtension(localExtIDPex, pexExtensionState{remoteID: byte(id)})
			if pc.peer != nil {
				pc.session.pex.MarkCapable(*pc.peer)
			}
		}
		return
	}
	if m.ExtendedID == localExtIDPex {
		msg, err := pex.Decode(m.ExtendedPayload)
		if err != nil {
			pc.log.Debugw("malformed ut_pex message", "peer", pc.peerID, "error", err)
			return
		}
		for _, p := range msg.Added {
			pc.session.pex.PeerAdded(p)
		}
		for _, p := range msg.Dropped {
			pc.session.pex.PeerDropped(p)
		}
		return
	}
	pc.log.Debugw("unrecognized extended message id", "peer", pc.peerID, "id", m.ExtendedID)
}

// maybeRequestBlocks asks the assignment manager for more work for this
// peer, given its advertised bitfield, and issues REQUESTs for every block
// of each newly assigned piece. It is a no-op while the remote is choking
// us, per the protocol invariant that a choked peer will ignore REQUESTs.
func (pc *peerConn) maybeRequestBlocks() {
	if pc.state.PeerChoking() {
		return
	}
	has := pc.state.Bitfield()
	assignments := pc.session.manager.NextAssignments(pc.peerID, has, pc.requestsPerTick)
	if len(assignments) == 0 {
		return
	}

	var pieces []int
	for _, a := range assignments {
		pieces = append(pieces, a.PieceIndex)
		pieceLen := pc.session.torrent.PieceLength(a.PieceIndex)
		blockSize := pc.session.torrent.BlockSize()
		for _, b := range blockOffsets(pieceLen, blockSize) {
			key := peerstate.BlockKey{PieceIndex: a.PieceIndex, Begin: b.begin, Length: b.length}
			pc.state.AddPendingRequest(key)
			if err := pc.Send(wire.NewRequest(uint32(a.PieceIndex), uint32(b.begin), uint32(b.length))); err != nil {
				pc.log.Debugw("failed to send request", "peer", pc.peerID, "error", err)
				return
			}
		}
	}
	pc.state.SetAssignedPieces(append(pc.state.AssignedPieces(), pieces...))
}
