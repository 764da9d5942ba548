package storage

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/metainfo"
)

// brokenBackend reads fine but refuses every write, simulating a failed
// disk under an otherwise healthy torrent.
type brokenBackend struct {
	FileBackend
}

func (brokenBackend) WriteBlock(off int64, p []byte) (int, error) {
	return 0, errors.New("device unavailable")
}

func newTorrentFixture(t *testing.T, content []byte, pieceLength int64) *Torrent {
	t.Helper()

	files := []metainfo.FileEntry{{Path: []string{"a.txt"}, Length: int64(len(content))}}
	info, err := metainfo.NewInfo("t", files, pieceLength, func(f metainfo.FileEntry) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
	require.NoError(t, err)

	unit := NewStorageUnit(files[0], NewMemoryBackend(int64(len(content))))
	tor, err := NewTorrent(info, []*StorageUnit{unit}, nil)
	require.NoError(t, err)
	return tor
}

func TestSinglePieceTransfer(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("A"), 16384)
	tor := newTorrentFixture(t, content, int64(len(content)))

	require.False(tor.HasPiece(0))
	err := tor.WriteBlock(0, 0, content)
	require.NoError(err)
	require.True(tor.HasPiece(0))
	require.True(tor.Complete())
	require.EqualValues(1, tor.NumPiecesComplete())

	got, err := tor.ReadBlock(0, 0, len(content))
	require.NoError(err)
	require.Equal(content, got)
}

func TestPieceHashMismatch(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("A"), 16384)
	tor := newTorrentFixture(t, content, int64(len(content)))

	bad := bytes.Repeat([]byte("B"), 16384)
	err := tor.WriteBlock(0, 0, bad)
	require.Equal(ErrPieceHashMismatch, err)
	require.False(tor.HasPiece(0))

	// The piece is re-requestable: a correct retry still succeeds.
	require.NoError(tor.WriteBlock(0, 0, content))
	require.True(tor.HasPiece(0))
}

func TestWriteBlockInParts(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("A"), 32768)
	tor := newTorrentFixture(t, content, int64(len(content)))

	for begin := 0; begin < len(content); begin += DefaultBlockSize {
		end := begin + DefaultBlockSize
		if end > len(content) {
			end = len(content)
		}
		require.NoError(tor.WriteBlock(0, begin, content[begin:end]))
	}
	require.True(tor.HasPiece(0))
}

func TestRepeatedCommitFailuresStallTheTorrent(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("A"), 16384)
	files := []metainfo.FileEntry{{Path: []string{"a.txt"}, Length: int64(len(content))}}
	info, err := metainfo.NewInfo("t", files, int64(len(content)), func(f metainfo.FileEntry) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
	require.NoError(err)

	unit := NewStorageUnit(files[0], brokenBackend{NewMemoryBackend(int64(len(content)))})
	tor, err := NewTorrent(info, []*StorageUnit{unit}, nil)
	require.NoError(err)

	for i := 0; i < maxConsecutivePieceFailures; i++ {
		require.False(tor.Stalled())
		require.Error(tor.WriteBlock(0, 0, content))
		require.False(tor.HasPiece(0))
	}
	require.True(tor.Stalled())
}

func TestMissingPieces(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("A"), 32768)
	tor := newTorrentFixture(t, content, 16384)

	require.Equal(2, tor.NumPieces())
	require.Equal([]int{0, 1}, tor.MissingPieces())
	require.NoError(tor.WriteBlock(0, 0, content[:16384]))
	require.Equal([]int{1}, tor.MissingPieces())
}
