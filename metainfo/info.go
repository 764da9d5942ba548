// Package metainfo implements the torrent data model: the multi-file
// descriptor a swarm exchanges pieces against, and the info-hash that
// identifies it.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path"

	bencode "github.com/jackpal/bencode-go"

	"github.com/monzo-labs/torrentcore/core"
)

// FileEntry describes a single file within a (possibly multi-file) torrent,
// in the order it is laid out across the contiguous piece space.
type FileEntry struct {
	Path   []string `json:"path"`
	Length int64    `json:"length"`
}

// FullPath joins the entry's path components with forward slashes.
func (f FileEntry) FullPath() string {
	return path.Join(f.Path...)
}

// bencodeInfo mirrors the BEP-3 "info" dictionary layout, used only to
// compute a stable, spec-compliant info hash.
type bencodeInfo struct {
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length,omitempty"`
	Files       []bencodeFileEntry `bencode:"files,omitempty"`
}

type bencodeFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is a torrent's info dictionary: its name, piece layout and file list.
// It is the authoritative descriptor of what a torrent contains; descriptors
// and storage units elsewhere in the engine are all views over an Info.
type Info struct {
	Name        string
	PieceLength int64
	PieceHashes [][20]byte
	Files       []FileEntry
}

// NewInfo builds an Info from a fixed file list and piece length, hashing
// the concatenated file contents supplied by open.
func NewInfo(name string, files []FileEntry, pieceLength int64, open func(FileEntry) (io.ReadCloser, error)) (*Info, error) {
	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(files) == 0 {
		return nil, errors.New("torrent must contain at least one file")
	}

	var hashes [][20]byte
	h := sha1.New()
	var buffered int64

	flush := func() {
		var sum [20]byte
		copy(sum[:], h.Sum(nil))
		hashes = append(hashes, sum)
		h.Reset()
		buffered = 0
	}

	for _, f := range files {
		rc, err := open(f)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", f.FullPath(), err)
		}
		remaining := f.Length
		for remaining > 0 {
			want := pieceLength - buffered
			if want > remaining {
				want = remaining
			}
			n, err := io.CopyN(h, rc, want)
			remaining -= n
			buffered += n
			if err != nil && err != io.EOF {
				rc.Close()
				return nil, fmt.Errorf("hash %s: %s", f.FullPath(), err)
			}
			if buffered == pieceLength {
				flush()
			}
			if n == 0 {
				break
			}
		}
		rc.Close()
	}
	if buffered > 0 {
		flush()
	}

	return &Info{
		Name:        name,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       files,
	}, nil
}

// TotalLength returns the sum of all file lengths.
func (i *Info) TotalLength() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces in the torrent.
func (i *Info) NumPieces() int {
	return len(i.PieceHashes)
}

// PieceLen returns the length of piece index n, accounting for the final,
// possibly-shorter piece.
func (i *Info) PieceLen(n int) int64 {
	if n < 0 || n >= len(i.PieceHashes) {
		return 0
	}
	if n == len(i.PieceHashes)-1 {
		return i.TotalLength() - i.PieceLength*int64(n)
	}
	return i.PieceLength
}

// InfoHash computes the BEP-3 info hash identifying this torrent.
func (i *Info) InfoHash() (core.InfoHash, error) {
	var pieces bytes.Buffer
	for _, h := range i.PieceHashes {
		pieces.Write(h[:])
	}
	bi := bencodeInfo{
		PieceLength: i.PieceLength,
		Pieces:      pieces.String(),
		Name:        i.Name,
	}
	if len(i.Files) == 1 && len(i.Files[0].Path) <= 1 {
		bi.Length = i.Files[0].Length
	} else {
		for _, f := range i.Files {
			bi.Files = append(bi.Files, bencodeFileEntry{Length: f.Length, Path: f.Path})
		}
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, bi); err != nil {
		return core.InfoHash{}, fmt.Errorf("marshal info: %s", err)
	}
	return core.NewInfoHashFromBytes(buf.Bytes()), nil
}
