package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/internal/log"
	"github.com/monzo-labs/torrentcore/peerstate"
	"github.com/monzo-labs/torrentcore/wire"
)

type fakeReader struct {
	pieces map[int][]byte
}

func (r fakeReader) HasPiece(i int) bool {
	_, ok := r.pieces[i]
	return ok
}

func (r fakeReader) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	return r.pieces[pieceIndex][begin : begin+length], nil
}

type captureSender struct {
	sent chan *wire.Message
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan *wire.Message, 16)}
}

func (s *captureSender) Send(m *wire.Message) error {
	s.sent <- m
	return nil
}

func newTestState() *peerstate.State {
	key := core.ConnectionKey{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	return peerstate.New(key, 4, clock.NewMock())
}

func TestProducerServesRequest(t *testing.T) {
	require := require.New(t)

	block := bytes.Repeat([]byte("x"), 64)
	reader := fakeReader{pieces: map[int][]byte{0: block}}
	sender := newCaptureSender()
	state := newTestState()
	state.SetChoking(false)

	p := NewProducer(Config{}, reader, sender, state, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(p.Enqueue(*wire.NewRequest(0, 0, 64)))

	select {
	case m := <-sender.sent:
		require.Equal(wire.Piece, m.ID)
		require.Equal(block, m.Block)
		require.EqualValues(64, state.Uploaded())
	case <-time.After(time.Second):
		t.Fatal("no piece was sent")
	}
}

func TestProducerHonorsChoke(t *testing.T) {
	require := require.New(t)

	reader := fakeReader{pieces: map[int][]byte{0: bytes.Repeat([]byte("x"), 64)}}
	sender := newCaptureSender()
	state := newTestState() // choking starts true

	p := NewProducer(Config{}, reader, sender, state, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(p.Enqueue(*wire.NewRequest(0, 0, 64)))

	select {
	case <-sender.sent:
		t.Fatal("a choked peer's request must not be served")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProducerHonorsCancel(t *testing.T) {
	require := require.New(t)

	reader := fakeReader{pieces: map[int][]byte{0: bytes.Repeat([]byte("x"), 64)}}
	sender := newCaptureSender()
	state := newTestState()
	state.SetChoking(false)
	state.Cancel(peerstate.BlockKey{PieceIndex: 0, Begin: 0, Length: 64})

	p := NewProducer(Config{}, reader, sender, state, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(p.Enqueue(*wire.NewRequest(0, 0, 64)))

	select {
	case <-sender.sent:
		t.Fatal("a cancelled request must not be served")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProducerRejectsMissingPiece(t *testing.T) {
	require := require.New(t)

	sender := newCaptureSender()
	state := newTestState()
	state.SetChoking(false)

	p := NewProducer(Config{}, fakeReader{}, sender, state, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(p.Enqueue(*wire.NewRequest(3, 0, 64)))

	select {
	case <-sender.sent:
		t.Fatal("a request for an absent piece must be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	require := require.New(t)

	p := NewProducer(Config{QueueSize: 1}, fakeReader{}, newCaptureSender(), newTestState(), log.NewNop())

	require.NoError(p.Enqueue(*wire.NewRequest(0, 0, 64)))
	require.Equal(ErrQueueFull, p.Enqueue(*wire.NewRequest(0, 64, 64)))
}
