// Package upload implements the peer-request consumer: the path that turns
// incoming REQUEST messages into outgoing PIECE messages, honoring choke
// state and CANCEL.
package upload

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/monzo-labs/torrentcore/peerstate"
	"github.com/monzo-labs/torrentcore/wire"
)

// ErrQueueFull is returned by Enqueue when a peer's outbound request queue
// is saturated. The caller should simply drop the REQUEST -- BitTorrent
// clients are expected to re-request on timeout, so there is no need to
// block the connection's read loop on a slow uploader.
var ErrQueueFull = errors.New("upload: peer request queue is full")

// Reader is the subset of the piece store the upload path needs.
type Reader interface {
	HasPiece(i int) bool
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
}

// Sender is the subset of a connection the upload path needs to write
// outbound messages.
type Sender interface {
	Send(m *wire.Message) error
}

// Config controls a Producer's queueing behavior.
type Config struct {
	// QueueSize bounds how many pending requests may be buffered per peer
	// before new ones are rejected.
	QueueSize int `yaml:"queue_size"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
}

// Producer serves one peer's incoming REQUESTs from the piece store. One
// Producer exists per connection; it owns a single worker goroutine so
// that block reads for a slow peer never stall reads for any other peer.
type Producer struct {
	config Config
	reader Reader
	sender Sender
	state  *peerstate.State
	log    *zap.SugaredLogger

	queue chan wire.Message
}

// NewProducer creates a Producer for one peer connection.
func NewProducer(
	config Config,
	reader Reader,
	sender Sender,
	state *peerstate.State,
	log *zap.SugaredLogger,
) *Producer {
	config.applyDefaults()
	return &Producer{
		config: config,
		reader: reader,
		sender: sender,
		state:  state,
		log:    log,
		queue:  make(chan wire.Message, config.QueueSize),
	}
}

// Enqueue accepts an incoming REQUEST message for later service. It
// returns ErrQueueFull if the peer already has too many outstanding
// requests buffered.
func (p *Producer) Enqueue(req wire.Message) error {
	select {
	case p.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the request queue until ctx is cancelled, sending one PIECE
// (or silently dropping the request) per queued entry.
func (p *Producer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.queue:
			p.serve(req)
		}
	}
}

func (p *Producer) serve(req wire.Message) {
	key := peerstate.BlockKey{
		PieceIndex: int(req.Index),
		Begin:      int(req.Begin),
		Length:     int(req.Length),
	}

	if p.state.Choking() {
		// The peer should not have asked while choked; honor the choke and
		// say nothing.
		return
	}
	if p.state.IsCancelled(key) {
		return
	}
	if !p.reader.HasPiece(key.PieceIndex) {
		p.log.Warnw("rejecting request for piece we don't have",
			"piece", key.PieceIndex)
		return
	}

	block, err := p.reader.ReadBlock(key.PieceIndex, key.Begin, key.Length)
	if err != nil {
		p.log.Errorw("failed to read requested block",
			"piece", key.PieceIndex, "begin", key.Begin, "error", err)
		return
	}

	// A CANCEL may have arrived while the read was in flight; honor it
	// right up until the bytes go out.
	if p.state.IsCancelled(key) {
		return
	}

	if err := p.sender.Send(wire.NewPiece(req.Index, req.Begin, block)); err != nil {
		p.log.Debugw("failed to send piece", "error", err)
		return
	}
	p.state.AddUploaded(int64(len(block)))
}
