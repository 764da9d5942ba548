package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/eventlog"
	"github.com/monzo-labs/torrentcore/internal/log"
)

type fakeCloser struct {
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	require := require.New(t)

	r := New(log.NewNop(), eventlog.NewNopProducer())
	h := core.InfoHashFixture()

	d1 := r.GetOrCreate(h)
	d2 := r.GetOrCreate(h)
	require.Same(d1, d2)
	require.Equal(1, r.Len())
}

func TestActiveAndSupported(t *testing.T) {
	require := require.New(t)

	r := New(log.NewNop(), eventlog.NewNopProducer())
	h := core.InfoHashFixture()

	require.False(r.ActiveAndSupported(h), "an unregistered torrent is never active")

	d := r.GetOrCreate(h)
	require.True(r.ActiveAndSupported(h), "registered with no data descriptor yet means metadata is still fetching")

	d.AttachData(&fakeCloser{})
	require.False(r.ActiveAndSupported(h), "data attached but not yet marked active")

	d.SetActive(true)
	require.True(r.ActiveAndSupported(h))
}

func TestAttachDataTwicePanics(t *testing.T) {
	d := newDescriptor(core.InfoHashFixture())
	d.AttachData(&fakeCloser{})
	require.PanicsWithValue(t, ErrDataAlreadyAttached, func() {
		d.AttachData(&fakeCloser{})
	})
}

func TestUnregisterClosesDataAndIsIdempotent(t *testing.T) {
	require := require.New(t)

	r := New(log.NewNop(), eventlog.NewNopProducer())
	h := core.InfoHashFixture()
	d := r.GetOrCreate(h)
	closer := &fakeCloser{}
	d.AttachData(closer)

	r.Unregister(h)
	require.True(closer.closed)
	require.Equal(0, r.Len())

	_, ok := r.Get(h)
	require.False(ok)

	// Second unregister is a documented no-op, not a panic or double-close.
	require.NotPanics(func() { r.Unregister(h) })
}

func TestUnregisterSwallowsCloseErrors(t *testing.T) {
	r := New(log.NewNop(), eventlog.NewNopProducer())
	h := core.InfoHashFixture()
	d := r.GetOrCreate(h)
	d.AttachData(&fakeCloser{err: errors.New("disk gone")})

	require.NotPanics(t, func() { r.Unregister(h) })
}
