package storage

import (
	"bytes"
	"sync"

	"github.com/willf/bitset"
)

// syncBitfield is a mutex-guarded bitset.BitSet, used here as the
// descriptor's verified-piece bitfield. The RWMutex also backs the
// "verified implies durable" invariant: commitPiece takes the write lock
// across both the storage write-through and the bit set, so no reader ever
// observes a verified bit whose bytes are not yet durable.
type syncBitfield struct {
	sync.RWMutex
	b *bitset.BitSet
}

func newSyncBitfield(n uint) *syncBitfield {
	return &syncBitfield{b: bitset.New(n)}
}

func (s *syncBitfield) Copy() *bitset.BitSet {
	s.RLock()
	defer s.RUnlock()

	return s.b.Clone()
}

func (s *syncBitfield) Len() uint {
	s.RLock()
	defer s.RUnlock()

	return s.b.Len()
}

func (s *syncBitfield) Has(i uint) bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.Test(i)
}

func (s *syncBitfield) Complete() bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.All()
}

func (s *syncBitfield) set(i uint) {
	s.b.Set(i)
}

// GetAllSet returns the indices of all set bits.
func (s *syncBitfield) GetAllSet() []uint {
	s.RLock()
	defer s.RUnlock()

	all := make([]uint, 0, s.b.Count())
	for i, ok := s.b.NextSet(0); ok; i, ok = s.b.NextSet(i + 1) {
		all = append(all, i)
	}
	return all
}

func (s *syncBitfield) String() string {
	s.RLock()
	defer s.RUnlock()

	var buf bytes.Buffer
	for i := uint(0); i < s.b.Len(); i++ {
		if s.b.Test(i) {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}
