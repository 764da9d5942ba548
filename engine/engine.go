// Package engine is the top-level orchestrator: it wires the wire codec,
// piece store, connection state, assignment manager, upload producer,
// choker, PEX source, registry and pipeline together into a running
// BitTorrent peer. One accept loop spawns a goroutine per incoming
// connection; each torrent additionally owns a small background goroutine
// group for its periodic work.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/monzo-labs/torrentcore/assignment"
	"github.com/monzo-labs/torrentcore/bandwidth"
	"github.com/monzo-labs/torrentcore/choke"
	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/eventlog"
	"github.com/monzo-labs/torrentcore/metainfo"
	"github.com/monzo-labs/torrentcore/peerstate"
	"github.com/monzo-labs/torrentcore/pex"
	"github.com/monzo-labs/torrentcore/pipeline"
	"github.com/monzo-labs/torrentcore/registry"
	"github.com/monzo-labs/torrentcore/storage"
	"github.com/monzo-labs/torrentcore/upload"
	"github.com/monzo-labs/torrentcore/wire"
)

// Engine is a running BitTorrent peer: one accept socket, a bounded
// connection pool and a set of active torrents.
type Engine struct {
	config  Config
	peerID  core.PeerID
	clk     clock.Clock
	stats   tally.Scope
	log     *zap.SugaredLogger
	events  eventlog.Producer
	limiter *bandwidth.Limiter

	registry *registry.Registry

	listener net.Listener
	sem      chan struct{}

	mu       sync.RWMutex
	sessions map[core.InfoHash]*torrentSession

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine. It does not yet listen for connections; call
// Start for that.
func New(
	config Config,
	peerID core.PeerID,
	clk clock.Clock,
	stats tally.Scope,
	log *zap.SugaredLogger,
	events eventlog.Producer,
) *Engine {
	config.applyDefaults()
	if events == nil {
		events = eventlog.NewNopProducer()
	}
	return &Engine{
		config:   config,
		peerID:   peerID,
		clk:      clk,
		stats:    stats,
		log:      log,
		events:   events,
		limiter:  bandwidth.NewLimiter(config.Bandwidth, log),
		registry: registry.New(log, events),
		sem:      make(chan struct{}, config.MaxConns),
		sessions: make(map[core.InfoHash]*torrentSession),
		done:     make(chan struct{}),
	}
}

// Start binds the accept socket and begins serving incoming connections.
// It fails fast on a misconfiguration.
func (e *Engine) Start() error {
	if err := e.config.validate(); err != nil {
		return err
	}
	l, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: listen on %s: %s", e.config.ListenAddr, err)
	}
	e.listener = l

	e.wg.Add(1)
	go e.acceptLoop()

	return nil
}

// Addr returns the accept socket's bound address. Only valid after Start.
func (e *Engine) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop closes the accept socket, tears down every active torrent session
// and waits for all engine goroutines to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.listener != nil {
			e.listener.Close()
		}
		e.wg.Wait()

		e.mu.Lock()
		sessions := make([]*torrentSession, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			e.closeSession(s)
		}
	})
}

// closeSession cancels every connection belonging to session and blocks
// until session's background loops have exited.
func (e *Engine) closeSession(session *torrentSession) {
	for _, pc := range session.connsSnapshot() {
		pc.cancel()
		pc.nc.Close()
	}
	session.close()
}

// AddTorrent registers and activates a torrent for download/seeding. units
// must be pre-opened storage backends, one per file in info.Files, in
// order.
func (e *Engine) AddTorrent(info *metainfo.Info, units []*storage.StorageUnit, mode choke.Mode) error {
	t, err := storage.NewTorrent(info, units, e.events)
	if err != nil {
		return fmt.Errorf("engine: open torrent: %s", err)
	}
	h := t.InfoHash()

	descriptor := e.registry.GetOrCreate(h)
	descriptor.AttachData(t)
	descriptor.SetActive(true)

	policy := assignment.RarestFirstPolicy{}
	manager := assignment.NewManager(t.NumPieces(), policy, e.clk, e.config.Assignment)

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	session := &torrentSession{
		infoHash:   h,
		descriptor: descriptor,
		torrent:    t,
		manager:    manager,
		choker:     choke.New(e.config.Choke, e.clk, e.stats, e.log),
		pex:        pex.New(e.config.Pex, e.clk, e.stats, e.log),
		pipeline:   pipeline.New(h, e.log),
		mode:       mode,
		events:     e.events,
		conns:      make(map[core.PeerID]*peerConn),
		cancel:     cancel,
		group:      group,
	}
	wireTorrentPipeline(session)

	e.mu.Lock()
	e.sessions[h] = session
	e.mu.Unlock()

	group.Go(func() error {
		session.choker.Run(gctx, session.currentMode, session.snapshotStates)
		return nil
	})
	group.Go(func() error {
		runEvery(gctx, e.clk, e.config.Pex.CleanupInterval, session.pex.Cleanup)
		return nil
	})
	group.Go(func() error {
		runEvery(gctx, e.clk, e.config.ExpireSweepInterval, func() {
			for _, a := range session.manager.ExpireOverdue() {
				e.log.Debugw("assignment expired", "info_hash", h, "peer", a.Peer, "piece", a.PieceIndex)
				e.events.Produce(eventlog.Event{
					Kind:       eventlog.AssignmentFailed,
					InfoHash:   h,
					PeerID:     a.Peer,
					PieceIndex: a.PieceIndex,
					TimeUnixMs: time.Now().UnixMilli(),
				})
			}
		})
		return nil
	})

	e.events.Produce(eventlog.Event{
		Kind:       eventlog.TorrentStarted,
		InfoHash:   h,
		TimeUnixMs: time.Now().UnixMilli(),
	})
	return nil
}

// wireTorrentPipeline registers the DOWNLOAD stage's natural next stage
// (SEED). advancePipelineIfComplete drives the actual DOWNLOAD->SEED
// transition once every piece verifies; callers wanting stop-when-downloaded
// splice a DownloadComplete listener onto session.pipeline that returns
// pipeline.Stop instead.
func wireTorrentPipeline(session *torrentSession) {
	session.pipeline.StartAt(pipeline.Download)
	session.pipeline.RegisterStage(pipeline.Download, func(ctx *pipeline.Context) pipeline.Stage {
		return pipeline.Seed
	})
}

// RemoveTorrent tears down a torrent's background loops and connections and
// unregisters it, closing its storage.
func (e *Engine) RemoveTorrent(h core.InfoHash) {
	e.mu.Lock()
	session, ok := e.sessions[h]
	delete(e.sessions, h)
	e.mu.Unlock()
	if !ok {
		return
	}

	e.closeSession(session)
	e.registry.Unregister(h)
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.log.Infow("accept error, exiting accept loop", "error", err)
				return
			}
		}
		go e.handleIncoming(nc)
	}
}

func (e *Engine) handleIncoming(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(e.config.HandshakeTimeout))

	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		e.log.Debugw("failed to read incoming handshake", "error", err)
		nc.Close()
		return
	}

	e.mu.RLock()
	session, ok := e.sessions[hs.InfoHash]
	e.mu.RUnlock()
	if !ok || !e.registry.ActiveAndSupported(hs.InfoHash) {
		e.log.Debugw("rejecting handshake for unknown or inactive torrent", "info_hash", hs.InfoHash)
		nc.Close()
		return
	}

	select {
	case e.sem <- struct{}{}:
	default:
		e.log.Debugw("rejecting handshake, connection pool exhausted", "info_hash", hs.InfoHash)
		nc.Close()
		return
	}

	ours := wire.Handshake{InfoHash: hs.InfoHash, PeerID: e.peerID, Extended: true}
	if err := ours.WriteTo(nc); err != nil {
		e.log.Debugw("failed to send handshake", "error", err)
		nc.Close()
		<-e.sem
		return
	}
	nc.SetDeadline(time.Time{})

	e.establish(session, hs.PeerID, nil, nc)
}

// DialPeer opens an outbound connection to peer for the torrent identified
// by h.
func (e *Engine) DialPeer(h core.InfoHash, peer core.Peer) error {
	e.mu.RLock()
	session, ok := e.sessions[h]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: no session for torrent %s", h)
	}

	select {
	case e.sem <- struct{}{}:
	default:
		return fmt.Errorf("engine: connection pool exhausted")
	}

	nc, err := net.DialTimeout("tcp", peer.Addr(), e.config.HandshakeTimeout)
	if err != nil {
		<-e.sem
		return fmt.Errorf("engine: dial %s: %s", peer.Addr(), err)
	}
	nc.SetDeadline(time.Now().Add(e.config.HandshakeTimeout))

	ours := wire.Handshake{InfoHash: h, PeerID: e.peerID, Extended: true}
	if err := ours.WriteTo(nc); err != nil {
		nc.Close()
		<-e.sem
		return fmt.Errorf("engine: send handshake: %s", err)
	}
	theirs, err := wire.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		<-e.sem
		return fmt.Errorf("engine: read handshake: %s", err)
	}
	if theirs.PeerID != peer.ID {
		nc.Close()
		<-e.sem
		return fmt.Errorf("engine: unexpected peer id from %s", peer.Addr())
	}
	nc.SetDeadline(time.Time{})

	e.establish(session, theirs.PeerID, &peer, nc)
	return nil
}

// establish finishes bringing up an established connection: it sends the
// extended handshake, wires up the peerConn, and spawns its goroutines.
func (e *Engine) establish(session *torrentSession, peerID core.PeerID, peer *core.Peer, nc net.Conn) {
	extHS := wire.ExtendedHandshake{
		M:          map[string]int{pex.ExtensionName: int(localExtIDPex)},
		Port:       e.config.AcceptorPort,
		Version:    "torrentcore",
		Encryption: e.config.Encryption,
	}
	payload, err := wire.EncodeExtendedHandshake(extHS)
	if err == nil {
		wire.SendMessage(nc, wire.NewExtended(0, payload))
	}

	key := core.ConnectionKey{InfoHash: session.infoHash, PeerID: peerID}
	state := peerstate.New(key, session.torrent.NumPieces(), e.clk)

	ctx, cancel := context.WithCancel(context.Background())
	pc := &peerConn{
		nc:                nc,
		peerID:            peerID,
		peer:              peer,
		session:           session,
		state:             state,
		log:               e.log,
		clk:               e.clk,
		limiter:           e.limiter,
		maxFrameLength:    e.config.MaxFrameLength,
		requestsPerTick:   e.config.RequestsPerTick,
		chokeInterval:     session.choker.Interval(),
		keepAliveInterval: e.config.KeepAliveInterval,
		ctx:               ctx,
		cancel:            cancel,
		lastChokeSent:     true,
	}
	pc.producer = upload.NewProducer(e.config.Upload, session.torrent, pc, state, e.log)

	session.addConn(pc)
	if peer != nil {
		session.pex.PeerAdded(*peer)
	}

	bits := wire.EncodeBitfield(session.torrent.Bitfield(), session.torrent.NumPieces())
	wire.SendMessage(nc, wire.NewBitfield(bits))

	e.events.Produce(eventlog.Event{
		Kind:       eventlog.PeerConnected,
		InfoHash:   session.infoHash,
		PeerID:     peerID,
		TimeUnixMs: time.Now().UnixMilli(),
	})

	go func() {
		defer func() { <-e.sem }()
		pc.readLoop()
		cancel()
	}()
	go pc.producer.Run(ctx)
	go pc.pexLoop()
	go pc.chokeSyncLoop()
	go pc.keepAliveLoop()
}

// runEvery invokes fn every interval on clk's ticks until ctx is
// cancelled.
func runEvery(ctx context.Context, clk clock.Clock, interval time.Duration, fn func()) {
	tick := clk.Tick(interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			fn()
		}
	}
}
