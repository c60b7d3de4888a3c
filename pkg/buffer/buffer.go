// Package buffer provides contiguous byte regions with read/write cursors,
// backed either by heap memory or a memory-mapped file, along with a
// thread-safe pool of reusable heap buffers.
//
// A single Buffer abstraction covers both backings so the segment store
// reads and writes through one cursor API whatever the backing; memory-mapped
// buffers sync through msync plus an fsync of the backing file.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

var ErrOutOfBounds = errors.New("buffer: access out of bounds")

// Buffer is a contiguous byte region with independent read and write
// cursors. It is not safe for concurrent use by multiple goroutines; the
// caller (segment, in practice) is responsible for single-writer access.
type Buffer struct {
	bytes    []byte
	mmap     gommap.MMap
	file     *os.File
	position int
	limit    int
}

// NewHeap allocates a Buffer backed by a plain heap slice of the given
// capacity.
func NewHeap(capacity int) *Buffer {
	return &Buffer{
		bytes: make([]byte, capacity),
		limit: capacity,
	}
}

// NewMapped resizes f to exactly capacity bytes (growing or shrinking it),
// memory-maps it, and returns a Buffer backed by that mapping.
func NewMapped(f *os.File, capacity int) (*Buffer, error) {
	if err := f.Truncate(int64(capacity)); err != nil {
		return nil, err
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		bytes: []byte(m),
		mmap:  m,
		file:  f,
		limit: capacity,
	}, nil
}

// Slice returns a Buffer over a sub-region of b, sharing the backing
// storage. Used to hand out bounded views of a segment's data region
// without copying.
func (b *Buffer) Slice(offset, length int) (*Buffer, error) {
	if offset < 0 || length < 0 || offset+length > b.limit {
		return nil, ErrOutOfBounds
	}
	return &Buffer{
		bytes: b.bytes[offset : offset+length],
		limit: length,
	}, nil
}

// Capacity returns the total addressable size of the buffer.
func (b *Buffer) Capacity() int { return b.limit }

// Position returns the current write/read cursor.
func (b *Buffer) Position() int { return b.position }

// SetPosition repositions the cursor.
func (b *Buffer) SetPosition(pos int) { b.position = pos }

// Reset rewinds the cursor to zero.
func (b *Buffer) Reset() { b.position = 0 }

// Bytes returns the raw backing slice up to the current position. Callers
// must not retain it past the buffer's lifetime.
func (b *Buffer) Bytes() []byte { return b.bytes[:b.position] }

// WriteAt writes p at absolute offset off, without touching the cursor.
func (b *Buffer) WriteAt(p []byte, off int) (int, error) {
	if off < 0 || off+len(p) > b.limit {
		return 0, ErrOutOfBounds
	}
	return copy(b.bytes[off:], p), nil
}

// ReadAt reads len(p) bytes starting at absolute offset off.
func (b *Buffer) ReadAt(p []byte, off int) (int, error) {
	if off < 0 || off+len(p) > b.limit {
		return 0, ErrOutOfBounds
	}
	return copy(p, b.bytes[off:]), nil
}

// Write implements io.Writer by appending at the current cursor, so a
// Buffer can be passed directly to codec.WriteFrame.
func (b *Buffer) Write(p []byte) (int, error) { return b.Append(p) }

// Reader returns an io.Reader over the buffer's contents starting at
// absolute offset from, so a Buffer's data region can be replayed
// sequentially with codec.ReadFrame during startup reconciliation.
func (b *Buffer) Reader(from int) io.Reader {
	if from < 0 || from > b.limit {
		from = b.limit
	}
	return bytes.NewReader(b.bytes[from:])
}

// Append writes p at the current cursor, advances it, and returns the
// number of bytes written. Growing past the buffer's limit is not
// supported; callers must size buffers up front (segments do, via
// maxSegmentSize).
func (b *Buffer) Append(p []byte) (int, error) {
	n, err := b.WriteAt(p, b.position)
	if err != nil {
		return 0, err
	}
	b.position += n
	return n, nil
}

// PutUint32 / PutUint64 / GetUint32 / GetUint64 are small big-endian
// helpers; they operate at an absolute offset and do not move the cursor.
func (b *Buffer) PutUint32(off int, v uint32) error {
	if off < 0 || off+4 > b.limit {
		return ErrOutOfBounds
	}
	binary.BigEndian.PutUint32(b.bytes[off:off+4], v)
	return nil
}

func (b *Buffer) GetUint32(off int) (uint32, error) {
	if off < 0 || off+4 > b.limit {
		return 0, ErrOutOfBounds
	}
	return binary.BigEndian.Uint32(b.bytes[off : off+4]), nil
}

func (b *Buffer) PutUint64(off int, v uint64) error {
	if off < 0 || off+8 > b.limit {
		return ErrOutOfBounds
	}
	binary.BigEndian.PutUint64(b.bytes[off:off+8], v)
	return nil
}

func (b *Buffer) GetUint64(off int) (uint64, error) {
	if off < 0 || off+8 > b.limit {
		return 0, ErrOutOfBounds
	}
	return binary.BigEndian.Uint64(b.bytes[off : off+8]), nil
}

// Flush syncs a memory-mapped buffer's dirty pages and the backing file to
// stable storage. A no-op for heap buffers.
func (b *Buffer) Flush() error {
	if b.mmap == nil {
		return nil
	}
	if err := b.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return b.file.Sync()
}

// Close releases the memory mapping (if any) and truncates the backing
// file down to the buffer's current logical position, so a reopened
// file carries no garbage past the last durable write.
func (b *Buffer) Close() error {
	if b.mmap == nil {
		return nil
	}
	if err := b.Flush(); err != nil {
		return err
	}
	if err := b.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	b.mmap = nil
	if err := b.file.Truncate(int64(b.position)); err != nil {
		return err
	}
	return b.file.Close()
}
