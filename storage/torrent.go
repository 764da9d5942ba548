package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/willf/bitset"

	"github.com/monzo-labs/torrentcore/core"
	"github.com/monzo-labs/torrentcore/eventlog"
	"github.com/monzo-labs/torrentcore/metainfo"
)

// ErrPieceHashMismatch is returned by WriteBlock when the block completing
// a piece leaves it failing its SHA-1 check.
var ErrPieceHashMismatch = errors.New("storage: piece hash mismatch")

// DefaultBlockSize is the default REQUEST/PIECE payload size.
const DefaultBlockSize = 16 * 1024

// Torrent is the piece store: it maps piece-relative byte ranges onto the
// torrent's files, verifies completed pieces against their digests, and
// exposes the verified-piece bitfield other components read.
type Torrent struct {
	info      *metainfo.Info
	infoHash  core.InfoHash
	units     []*StorageUnit
	offsets   []int64
	blockSize int

	verified  *syncBitfield
	assembler *assembler
	numDone   atomic.Int64

	failMu     sync.Mutex
	ioFailures map[int]int
	stalled    *atomic.Bool

	events eventlog.Producer
}

// maxConsecutivePieceFailures is how many consecutive I/O failures a single
// piece's commit may suffer before the whole descriptor is declared stalled.
const maxConsecutivePieceFailures = 3

// NewTorrent opens a piece store for info, backed by units (one per file in
// info.Files, in the same order).
func NewTorrent(info *metainfo.Info, units []*StorageUnit, events eventlog.Producer) (*Torrent, error) {
	if len(units) != len(info.Files) {
		return nil, fmt.Errorf("storage: expected %d storage units, got %d", len(info.Files), len(units))
	}
	infoHash, err := info.InfoHash()
	if err != nil {
		return nil, fmt.Errorf("storage: compute info hash: %s", err)
	}
	if events == nil {
		events = eventlog.NewNopProducer()
	}
	return &Torrent{
		info:       info,
		infoHash:   infoHash,
		units:      units,
		offsets:    fileOffsets(units),
		blockSize:  DefaultBlockSize,
		verified:   newSyncBitfield(uint(info.NumPieces())),
		assembler:  newAssembler(DefaultBlockSize),
		ioFailures: make(map[int]int),
		stalled:    atomic.NewBool(false),
		events:     events,
	}, nil
}

// InfoHash returns the torrent's identifying hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// NumPieces returns the number of pieces.
func (t *Torrent) NumPieces() int { return t.info.NumPieces() }

// PieceLength returns the length of piece i.
func (t *Torrent) PieceLength(i int) int64 { return t.info.PieceLen(i) }

// BlockSize returns the configured block size for requests.
func (t *Torrent) BlockSize() int { return t.blockSize }

// HasPiece reports whether piece i has been verified.
func (t *Torrent) HasPiece(i int) bool {
	return t.verified.Has(uint(i))
}

// Bitfield returns a snapshot of the verified-piece bitfield.
func (t *Torrent) Bitfield() *bitset.BitSet {
	return t.verified.Copy()
}

// Complete reports whether every piece has been verified.
func (t *Torrent) Complete() bool {
	return t.verified.Complete()
}

// NumPiecesComplete returns the count of verified pieces.
func (t *Torrent) NumPiecesComplete() int64 {
	return t.numDone.Load()
}

// MissingPieces returns the indices of all unverified pieces, in ascending
// order.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i := 0; i < t.NumPieces(); i++ {
		if !t.HasPiece(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReadBlock reads length bytes at (pieceIndex, begin) from storage. The
// piece need not be verified -- callers serving upload requests are
// expected to have checked HasPiece first.
func (t *Torrent) ReadBlock(pieceIndex int, begin int, length int) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= t.NumPieces() {
		return nil, fmt.Errorf("storage: piece index %d out of range", pieceIndex)
	}
	start := int64(pieceIndex)*t.info.PieceLength + int64(begin)
	out := make([]byte, length)
	segs := spansFor(t.units, t.offsets, start, int64(length))
	pos := 0
	for _, seg := range segs {
		if err := seg.unit.readAt(seg.offset, out[pos:pos+int(seg.length)]); err != nil {
			return nil, fmt.Errorf("storage: read at unit %s: %s", seg.unit.Entry.FullPath(), err)
		}
		pos += int(seg.length)
	}
	return out, nil
}

// WriteBlock feeds one received block into the assembler. When the block
// completes its piece, the full piece is hashed and, on match, committed
// to storage and marked verified; on mismatch, the buffer is discarded and
// ErrPieceHashMismatch is returned so the caller can blame the originating
// peer and return the piece to the selectable pool.
func (t *Torrent) WriteBlock(pieceIndex int, begin int, block []byte) error {
	if pieceIndex < 0 || pieceIndex >= t.NumPieces() {
		return fmt.Errorf("storage: piece index %d out of range", pieceIndex)
	}
	if t.HasPiece(pieceIndex) {
		// Duplicate delivery, e.g. from endgame mode; nothing to do.
		return nil
	}
	pieceLen := t.PieceLength(pieceIndex)
	full, complete := t.assembler.put(pieceIndex, pieceLen, begin, block)
	if !complete {
		return nil
	}

	sum := sha1.Sum(full)
	if sum != t.info.PieceHashes[pieceIndex] {
		t.assembler.discard(pieceIndex)
		return ErrPieceHashMismatch
	}

	return t.commitPiece(pieceIndex, full)
}

// commitPiece writes a verified piece through to storage and flips its bit,
// holding the bitfield's write lock across both so that a verified bit is
// never observed before its bytes are durable.
func (t *Torrent) commitPiece(pieceIndex int, data []byte) error {
	start := int64(pieceIndex) * t.info.PieceLength
	segs := spansFor(t.units, t.offsets, start, int64(len(data)))

	t.verified.Lock()
	defer t.verified.Unlock()

	pos := 0
	for _, seg := range segs {
		if err := seg.unit.writeAt(seg.offset, data[pos:pos+int(seg.length)]); err != nil {
			t.recordCommitFailure(pieceIndex)
			return fmt.Errorf("storage: commit piece %d: %s", pieceIndex, err)
		}
		pos += int(seg.length)
	}
	t.clearCommitFailures(pieceIndex)
	t.verified.set(uint(pieceIndex))
	t.numDone.Add(1)

	t.events.Produce(eventlog.Event{
		Kind:       eventlog.PieceVerified,
		InfoHash:   t.infoHash,
		PieceIndex: pieceIndex,
		TimeUnixMs: time.Now().UnixMilli(),
	})
	return nil
}

func (t *Torrent) recordCommitFailure(pieceIndex int) {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	t.ioFailures[pieceIndex]++
	if t.ioFailures[pieceIndex] >= maxConsecutivePieceFailures {
		t.stalled.Store(true)
	}
}

func (t *Torrent) clearCommitFailures(pieceIndex int) {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	delete(t.ioFailures, pieceIndex)
}

// Stalled reports whether some piece has failed its storage commit
// maxConsecutivePieceFailures times in a row. A stalled descriptor cannot
// make further progress; the owning torrent should be surfaced as failed.
func (t *Torrent) Stalled() bool {
	return t.stalled.Load()
}

// Close releases all underlying storage units.
func (t *Torrent) Close() error {
	var first error
	for _, u := range t.units {
		if err := u.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
