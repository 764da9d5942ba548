// Package storage implements the piece store and block assembler: it maps
// piece-relative byte ranges onto the torrent's underlying files, tracks
// which pieces have been verified, and assembles incoming blocks into
// complete, digest-checked pieces.
package storage

import (
	"fmt"
	"io"
	"os"
)

// FileBackend is the storage back-end this package consumes: a flat,
// random-access byte address space per file. Implementations may return
// short reads/writes; callers loop via ReadFully/WriteFully.
type FileBackend interface {
	ReadBlock(off int64, p []byte) (int, error)
	WriteBlock(off int64, p []byte) (int, error)
	Capacity() int64
	Close() error
}

// ReadFully loops ReadBlock until p is completely filled, io.EOF is hit, or
// an error occurs. A negative return from ReadBlock signals a fatal I/O
// error for the underlying unit.
func ReadFully(b FileBackend, off int64, p []byte) error {
	read := 0
	for read < len(p) {
		n, err := b.ReadBlock(off+int64(read), p[read:])
		if n < 0 {
			return fmt.Errorf("storage: fatal read error at offset %d", off+int64(read))
		}
		read += n
		if err != nil {
			if err == io.EOF && read == len(p) {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("storage: short read with no progress at offset %d", off+int64(read))
		}
	}
	return nil
}

// WriteFully loops WriteBlock until all of p has been written or an error
// occurs.
func WriteFully(b FileBackend, off int64, p []byte) error {
	written := 0
	for written < len(p) {
		n, err := b.WriteBlock(off+int64(written), p[written:])
		if n < 0 {
			return fmt.Errorf("storage: fatal write error at offset %d", off+int64(written))
		}
		written += n
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("storage: short write with no progress at offset %d", off+int64(written))
		}
	}
	return nil
}

// osFileBackend is a FileBackend over a single on-disk file, pre-allocated
// to its final size.
type osFileBackend struct {
	f        *os.File
	capacity int64
}

// NewFileBackend opens (creating and truncating to size if necessary) the
// file at path as a FileBackend.
func NewFileBackend(path string, size int64) (FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %s", path, err)
	}
	return &osFileBackend{f: f, capacity: size}, nil
}

func (b *osFileBackend) ReadBlock(off int64, p []byte) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *osFileBackend) WriteBlock(off int64, p []byte) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *osFileBackend) Capacity() int64 {
	return b.capacity
}

func (b *osFileBackend) Close() error {
	return b.f.Close()
}
