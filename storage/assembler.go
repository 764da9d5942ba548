package storage

import (
	"sync"
)

// pieceAssembly buffers the blocks received so far for one piece in flight.
type pieceAssembly struct {
	buf      []byte
	received []bool
	numLeft  int
}

func newPieceAssembly(pieceLen int64, blockSize int) *pieceAssembly {
	numBlocks := int((pieceLen + int64(blockSize) - 1) / int64(blockSize))
	return &pieceAssembly{
		buf:      make([]byte, pieceLen),
		received: make([]bool, numBlocks),
		numLeft:  numBlocks,
	}
}

func (a *pieceAssembly) put(blockSize, begin int, block []byte) bool {
	copy(a.buf[begin:], block)
	idx := begin / blockSize
	if idx >= 0 && idx < len(a.received) && !a.received[idx] {
		a.received[idx] = true
		a.numLeft--
	}
	return a.numLeft == 0
}

// assembler tracks per-piece in-flight block buffers, guarded by a single
// mutex: pieces in flight are few relative to connection count, and
// assembly is not on the hot read/write path once a piece is complete.
type assembler struct {
	mu        sync.Mutex
	blockSize int
	pieces    map[int]*pieceAssembly
}

func newAssembler(blockSize int) *assembler {
	return &assembler{
		blockSize: blockSize,
		pieces:    make(map[int]*pieceAssembly),
	}
}

// put records a received block and reports whether the piece is now fully
// buffered (all blocks received, ready for hashing) along with its full
// byte buffer when so.
func (a *assembler) put(pieceIndex int, pieceLen int64, begin int, block []byte) (full []byte, complete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pieces[pieceIndex]
	if !ok {
		p = newPieceAssembly(pieceLen, a.blockSize)
		a.pieces[pieceIndex] = p
	}
	if p.put(a.blockSize, begin, block) {
		delete(a.pieces, pieceIndex)
		return p.buf, true
	}
	return nil, false
}

// discard drops any partial buffer for pieceIndex, e.g. after a hash
// mismatch.
func (a *assembler) discard(pieceIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.pieces, pieceIndex)
}
