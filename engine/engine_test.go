package engine

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/monzo-labs/torrentcore/choke"
	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/internal/log"
	"github.com/monzo-labs/torrentcore/metainfo"
	"github.com/monzo-labs/torrentcore/pipeline"
	"github.com/monzo-labs/torrentcore/storage"
)

func testConfig() Config {
	var c Config
	c.ListenAddr = "127.0.0.1:0"
	c.Choke.Interval = 20 * time.Millisecond
	return c
}

func newTestEngine(t *testing.T) *Engine {
	e := New(testConfig(), core.PeerIDFixture(), clock.New(), tally.NoopScope, log.NewNop(), nil)
	require.NoError(t, e.Start())
	return e
}

// buildFixtureInfo constructs a small multi-piece torrent (3 full pieces
// plus one short final piece) and returns its content alongside the info.
func buildFixtureInfo(t *testing.T) (*metainfo.Info, []byte) {
	const pieceLen = 100
	var content []byte
	for i := 0; i < 3; i++ {
		content = append(content, bytes.Repeat([]byte{byte('A' + i)}, pieceLen)...)
	}
	content = append(content, bytes.Repeat([]byte{'Z'}, 37)...)

	files := []metainfo.FileEntry{{Path: []string{"fixture.bin"}, Length: int64(len(content))}}
	open := func(f metainfo.FileEntry) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	info, err := metainfo.NewInfo("fixture", files, pieceLen, open)
	require.NoError(t, err)
	return info, content
}

func newUnits(files []metainfo.FileEntry) []*storage.StorageUnit {
	units := make([]*storage.StorageUnit, len(files))
	for i, f := range files {
		units[i] = storage.NewStorageUnit(f, storage.NewMemoryBackend(f.Length))
	}
	return units
}

func TestEngineDownloadFromSeederToLeecher(t *testing.T) {
	info, content := buildFixtureInfo(t)
	infoHash, err := info.InfoHash()
	require.NoError(t, err)

	seeder := newTestEngine(t)
	defer seeder.Stop()
	leecher := newTestEngine(t)
	defer leecher.Stop()

	seederUnits := newUnits(info.Files)
	require.NoError(t, seeder.AddTorrent(info, seederUnits, choke.Seeding))

	// Preload the seeder's piece store by feeding it the full content one
	// piece at a time; each write's hash matches, so it commits and
	// verifies immediately.
	seederSession := seeder.sessions[infoHash]
	for i := 0; i < info.NumPieces(); i++ {
		start := int64(i) * info.PieceLength
		end := start + info.PieceLen(i)
		require.NoError(t, seederSession.torrent.WriteBlock(i, 0, content[start:end]))
	}
	require.True(t, seederSession.torrent.Complete())

	leecherUnits := newUnits(info.Files)
	require.NoError(t, leecher.AddTorrent(info, leecherUnits, choke.Leeching))
	leecherSession := leecher.sessions[infoHash]
	require.False(t, leecherSession.torrent.Complete())

	seederAddr := seeder.Addr().(*net.TCPAddr)
	peer := core.Peer{ID: seeder.peerID, IP: seederAddr.IP, Port: seederAddr.Port}

	require.NoError(t, leecher.DialPeer(infoHash, peer))

	require.Eventually(t, func() bool {
		return leecherSession.torrent.Complete()
	}, 5*time.Second, 10*time.Millisecond, "leecher never finished downloading")

	for i := 0; i < info.NumPieces(); i++ {
		start := int64(i) * info.PieceLength
		end := start + info.PieceLen(i)
		got, err := leecherSession.torrent.ReadBlock(i, 0, int(end-start))
		require.NoError(t, err)
		require.Equal(t, content[start:end], got)
	}

	require.Eventually(t, func() bool {
		return leecherSession.pipeline.Current() == pipeline.Seed
	}, time.Second, 10*time.Millisecond, "leecher pipeline never advanced past download")
}

func TestBlockOffsetsSplitsEvenlyWithShortFinalBlock(t *testing.T) {
	specs := blockOffsets(100, 40)
	require.Equal(t, []blockSpec{
		{begin: 0, length: 40},
		{begin: 40, length: 40},
		{begin: 80, length: 20},
	}, specs)
}

func TestBlockOffsetsExactMultiple(t *testing.T) {
	specs := blockOffsets(80, 40)
	require.Equal(t, []blockSpec{
		{begin: 0, length: 40},
		{begin: 40, length: 40},
	}, specs)
}

func TestStartFailsFastOnMisconfiguration(t *testing.T) {
	c := testConfig()
	c.Pex.MinMessageInterval = 2 * time.Minute
	c.Pex.MaxMessageInterval = time.Minute

	e := New(c, core.PeerIDFixture(), clock.New(), tally.NoopScope, log.NewNop(), nil)
	require.Error(t, e.Start())
}

func TestStartValidatesEventBatchBounds(t *testing.T) {
	c := testConfig()
	c.Pex.MinEventsPerMessage = 100
	c.Pex.MaxEventsPerMessage = 10

	e := New(c, core.PeerIDFixture(), clock.New(), tally.NoopScope, log.NewNop(), nil)
	require.Error(t, e.Start())
}

