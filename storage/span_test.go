package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/metainfo"
)

// newMultiFileTorrentFixture lays content out across files of the given
// lengths, so pieces cross file boundaries.
func newMultiFileTorrentFixture(t *testing.T, content []byte, fileLengths []int64, pieceLength int64) *Torrent {
	t.Helper()

	var files []metainfo.FileEntry
	var at int64
	readers := make(map[string][]byte)
	for i, l := range fileLengths {
		f := metainfo.FileEntry{Path: []string{"f", string(rune('a' + i))}, Length: l}
		files = append(files, f)
		readers[f.FullPath()] = content[at : at+l]
		at += l
	}
	require.Equal(t, int64(len(content)), at)

	info, err := metainfo.NewInfo("multi", files, pieceLength, func(f metainfo.FileEntry) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(readers[f.FullPath()])), nil
	})
	require.NoError(t, err)

	units := make([]*StorageUnit, len(files))
	for i, f := range files {
		units[i] = NewStorageUnit(f, NewMemoryBackend(f.Length))
	}
	tor, err := NewTorrent(info, units, nil)
	require.NoError(t, err)
	return tor
}

func TestSpansForCrossesFileBoundaries(t *testing.T) {
	require := require.New(t)

	units := []*StorageUnit{
		NewStorageUnit(metainfo.FileEntry{Length: 100}, NewMemoryBackend(100)),
		NewStorageUnit(metainfo.FileEntry{Length: 50}, NewMemoryBackend(50)),
		NewStorageUnit(metainfo.FileEntry{Length: 200}, NewMemoryBackend(200)),
	}
	offsets := fileOffsets(units)
	require.Equal([]int64{0, 100, 150}, offsets)

	// A range starting inside the first file and ending inside the third.
	segs := spansFor(units, offsets, 90, 80)
	require.Len(segs, 3)
	require.Equal(int64(90), segs[0].offset)
	require.Equal(int64(10), segs[0].length)
	require.Equal(int64(0), segs[1].offset)
	require.Equal(int64(50), segs[1].length)
	require.Equal(int64(0), segs[2].offset)
	require.Equal(int64(20), segs[2].length)
}

func TestSpansForRangeWithinOneFile(t *testing.T) {
	require := require.New(t)

	units := []*StorageUnit{
		NewStorageUnit(metainfo.FileEntry{Length: 100}, NewMemoryBackend(100)),
		NewStorageUnit(metainfo.FileEntry{Length: 100}, NewMemoryBackend(100)),
	}
	offsets := fileOffsets(units)

	segs := spansFor(units, offsets, 120, 30)
	require.Len(segs, 1)
	require.Equal(units[1], segs[0].unit)
	require.Equal(int64(20), segs[0].offset)
	require.Equal(int64(30), segs[0].length)
}

func TestWriteAndReadAcrossFileBoundary(t *testing.T) {
	require := require.New(t)

	content := append(bytes.Repeat([]byte("A"), 100), bytes.Repeat([]byte("B"), 100)...)
	tor := newMultiFileTorrentFixture(t, content, []int64{130, 70}, 200)

	require.NoError(tor.WriteBlock(0, 0, content))
	require.True(tor.Complete())

	got, err := tor.ReadBlock(0, 90, 60)
	require.NoError(err)
	require.Equal(content[90:150], got)
}
