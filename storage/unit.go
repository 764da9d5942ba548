package storage

import (
	"go.uber.org/atomic"

	"github.com/monzo-labs/torrentcore/metainfo"
)

// StorageUnit is a single file's storage, tracking how many bytes of it
// have actually been written so far.
type StorageUnit struct {
	Entry   metainfo.FileEntry
	backend FileBackend

	bytesPresent atomic.Int64
}

// NewStorageUnit wraps backend as the StorageUnit for entry.
func NewStorageUnit(entry metainfo.FileEntry, backend FileBackend) *StorageUnit {
	return &StorageUnit{Entry: entry, backend: backend}
}

// Capacity returns the file's total length.
func (u *StorageUnit) Capacity() int64 {
	return u.backend.Capacity()
}

// BytesPresent returns the number of bytes written to the unit so far. This
// is a coarse, monotonically-increasing accounting figure; it does not
// track which specific byte ranges are present, only how many bytes
// successful writes have landed; rewriting a range counts it again.
func (u *StorageUnit) BytesPresent() int64 {
	return u.bytesPresent.Load()
}

func (u *StorageUnit) readAt(off int64, p []byte) error {
	return ReadFully(u.backend, off, p)
}

func (u *StorageUnit) writeAt(off int64, p []byte) error {
	if err := WriteFully(u.backend, off, p); err != nil {
		return err
	}
	u.bytesPresent.Add(int64(len(p)))
	return nil
}

// Close releases the underlying backend.
func (u *StorageUnit) Close() error {
	return u.backend.Close()
}
