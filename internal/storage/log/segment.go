// Package log implements the segmented, append-only storage subsystem
// backing copycat's raft log: Segment, the in-memory OffsetIndex, and the
// Log that ties an ordered run of segments together.
//
// Each segment is a single on-disk file: a fixed-size descriptor
// followed by length-prefixed, CRC-checked entry frames, memory-mapped
// for reads and writes, with a sparse in-memory offset index rebuilt
// from the data region at load time.
package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/pkg/buffer"
	"github.com/ctrimble/copycat/pkg/codec"
)

var (
	errBadMagic      = errors.New("log: bad segment magic")
	errEntryTooLarge = errors.New("log: entry exceeds maxEntrySize")
	errSegmentFull   = errors.New("log: segment is full")
	errNoSuchIndex   = errors.New("log: index not present in segment")
)

// offsetEntry is one record in a segment's in-memory OffsetIndex: the
// index offset relative to the segment's firstIndex, and the
// corresponding byte offset within the segment's data region.
type offsetEntry struct {
	relIndex uint64
	pos      int
	size     int // on-disk frame size, for skip-ahead during recovery
}

// Segment is an append-only ring of entries: a descriptor, a backing
// buffer (memory-mapped file), and a sparse offset index mapping logical
// index (relative to FirstIndex) to byte offset.
type Segment struct {
	path   string
	file   *os.File
	buf    *buffer.Buffer
	desc   descriptor
	index  []offsetEntry
	length uint64 // number of entries currently in the segment
	pool   *buffer.Pool
}

// Config bounds a segment's capacity.
type Config struct {
	MaxEntrySize   uint32
	MaxSegmentSize uint32
	MaxEntries     uint32
}

func segmentFileName(name string, id, version uint64) string {
	return fmt.Sprintf("%s-%d-%d.log", name, id, version)
}

// CreateSegment creates a new, empty, writable segment in dir.
func CreateSegment(dir, name string, id, firstIndex, version uint64, cfg Config, pool *buffer.Pool) (*Segment, error) {
	path := filepath.Join(dir, segmentFileName(name, id, version))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	d := descriptor{
		ID:             id,
		Version:        version,
		FirstIndex:     firstIndex,
		Updated:        time.Now().UnixMilli(),
		MaxEntrySize:   cfg.MaxEntrySize,
		MaxSegmentSize: cfg.MaxSegmentSize,
		MaxEntries:     cfg.MaxEntries,
		Locked:         false,
	}
	buf, err := buffer.NewMapped(f, int(cfg.MaxSegmentSize)+descriptorSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := buf.WriteAt(encodeDescriptor(d), 0); err != nil {
		return nil, err
	}
	buf.SetPosition(descriptorSize)

	return &Segment{path: path, file: f, buf: buf, desc: d, pool: pool}, nil
}

// OpenSegment opens an existing segment file from disk and replays its
// data region to rebuild the in-memory OffsetIndex, stopping at the first
// short read or CRC mismatch.
func OpenSegment(path string, pool *buffer.Pool) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	buf, err := buffer.NewMapped(f, int(fi.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}

	header := make([]byte, descriptorSize)
	if _, err := buf.ReadAt(header, 0); err != nil {
		return nil, err
	}
	d, err := decodeDescriptor(header)
	if err != nil {
		return nil, err
	}

	s := &Segment{path: path, file: f, buf: buf, desc: d, pool: pool}
	s.rebuildIndex()
	return s, nil
}

// rebuildIndex replays framed entries in the data region, stopping at the
// first invalid frame; everything from there on is treated as never
// having been durably written.
func (s *Segment) rebuildIndex() {
	pos := descriptorSize
	r := s.buf.Reader(pos)
	for {
		typ, body, n, err := codec.ReadFrame(r)
		if err != nil {
			break
		}
		e, derr := entry.Decode(entry.Kind(typ), body)
		if derr != nil || e.GetIndex() < s.desc.FirstIndex {
			break
		}
		// The entry's own stamped index is authoritative: a compacted
		// segment has gaps, so relIndex cannot be inferred from position.
		s.index = append(s.index, offsetEntry{relIndex: e.GetIndex() - s.desc.FirstIndex, pos: pos, size: n})
		pos += n
		s.length++
	}
	s.buf.SetPosition(pos)
}

// Descriptor returns a copy of the segment's header.
func (s *Segment) Descriptor() descriptor { return s.desc }

// DataSize is the number of bytes of entry frames currently in the
// segment, excluding the descriptor. Used by the compactor to bound how
// many segments a merge can fold into one replacement.
func (s *Segment) DataSize() int { return s.buf.Position() - descriptorSize }

// FirstIndex is the logical index of the segment's first entry.
func (s *Segment) FirstIndex() uint64 { return s.desc.FirstIndex }

// Length is the number of entries currently stored in the segment.
func (s *Segment) Length() uint64 { return s.length }

// LastIndex is the logical index of the segment's last entry, or
// FirstIndex-1 if the segment is empty. Read from the offset index rather
// than FirstIndex+length-1 so it stays correct for a compacted segment
// that no longer holds every index in its range.
func (s *Segment) LastIndex() uint64 {
	if len(s.index) == 0 {
		return s.desc.FirstIndex - 1
	}
	last := s.index[len(s.index)-1]
	return s.desc.FirstIndex + last.relIndex
}

// IsFull reports whether the segment has reached its entry-count or
// byte-size limit.
func (s *Segment) IsFull() bool {
	return s.length >= uint64(s.desc.MaxEntries) ||
		s.buf.Position() >= int(s.desc.MaxSegmentSize)+descriptorSize
}

// Append writes e into the segment at the next logical index, encoding it
// with the type-tagged frame format. It fails if e would not
// fit within MaxEntrySize, or the segment is already full.
func (s *Segment) Append(e entry.Entry) (uint64, error) {
	if s.desc.Locked {
		return 0, errors.New("log: cannot append to a locked segment")
	}
	if s.IsFull() {
		return 0, errSegmentFull
	}

	idx := s.LastIndex() + 1
	e.SetIndex(idx)

	body, err := entry.Encode(e)
	if err != nil {
		return 0, err
	}
	if uint32(len(body)) > s.desc.MaxEntrySize {
		return 0, errEntryTooLarge
	}
	if codec.FrameSize(len(body)) > int(s.desc.MaxSegmentSize)+descriptorSize-s.buf.Position() {
		return 0, errSegmentFull
	}

	pos := s.buf.Position()
	n, err := codec.WriteFrame(s.buf, codec.TypeID(e.Kind()), body)
	if err != nil {
		return 0, err
	}

	s.index = append(s.index, offsetEntry{relIndex: s.length, pos: pos, size: n})
	s.length++
	return idx, nil
}

// AppendRaw writes e verbatim, preserving its already-assigned Index and
// Term rather than computing a new one from s.length. Used by the
// compactor when rewriting a segment: surviving entries keep their
// original logical index even though cleanable entries ahead of them in
// the source segment are dropped, leaving gaps in the offset index.
func (s *Segment) AppendRaw(e entry.Entry) error {
	if s.desc.Locked {
		return errors.New("log: cannot append to a locked segment")
	}
	idx := e.GetIndex()
	if idx < s.desc.FirstIndex {
		return fmt.Errorf("log: entry index %d below segment start %d", idx, s.desc.FirstIndex)
	}

	body, err := entry.Encode(e)
	if err != nil {
		return err
	}
	if uint32(len(body)) > s.desc.MaxEntrySize {
		return errEntryTooLarge
	}
	if codec.FrameSize(len(body)) > int(s.desc.MaxSegmentSize)+descriptorSize-s.buf.Position() {
		return errSegmentFull
	}

	pos := s.buf.Position()
	n, err := codec.WriteFrame(s.buf, codec.TypeID(e.Kind()), body)
	if err != nil {
		return err
	}

	s.index = append(s.index, offsetEntry{relIndex: idx - s.desc.FirstIndex, pos: pos, size: n})
	s.length++
	return nil
}

// lookup finds the offsetEntry for a relative index via binary search
// (entries are appended in strictly increasing index order).
func (s *Segment) lookup(rel uint64) (offsetEntry, bool) {
	i := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].relIndex >= rel
	})
	if i >= len(s.index) || s.index[i].relIndex != rel {
		return offsetEntry{}, false
	}
	return s.index[i], true
}

// Get decodes and returns the entry at the given logical index, wrapped
// in a reference-counted Handle backed by a buffer drawn from the
// segment's pool.
func (s *Segment) Get(index uint64) (*entry.Handle, error) {
	if index < s.desc.FirstIndex {
		return nil, errNoSuchIndex
	}
	rel := index - s.desc.FirstIndex
	off, ok := s.lookup(rel)
	if !ok {
		return nil, errNoSuchIndex
	}

	r := s.buf.Reader(off.pos)
	typ, body, _, err := codec.ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var pooled *buffer.Buffer
	if s.pool != nil {
		pooled = s.pool.Get()
		if _, err := pooled.Append(body); err != nil {
			return nil, err
		}
	}

	e, err := entry.Decode(entry.Kind(typ), body)
	if err != nil {
		return nil, err
	}
	return entry.NewHandle(e, pooled, s.pool), nil
}

// ForEach replays every entry currently present in the segment, in index
// order, handing each to fn. Used by the compactor to rewrite a segment
// without needing its own framing logic.
func (s *Segment) ForEach(fn func(entry.Entry) error) error {
	for _, off := range s.index {
		h, err := s.Get(s.desc.FirstIndex + off.relIndex)
		if err != nil {
			return err
		}
		err = fn(h.Entry)
		h.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// ContainsIndex reports whether index is actually present in the offset
// index, not merely within [FirstIndex, LastIndex()]; a compacted segment
// can have gaps where a cleanable entry was dropped.
func (s *Segment) ContainsIndex(index uint64) bool {
	if index < s.desc.FirstIndex {
		return false
	}
	_, ok := s.lookup(index - s.desc.FirstIndex)
	return ok
}

// Truncate drops every entry with logical index greater than index,
// shrinking the segment's logical length in place.
// The cut point is found by binary search on the offset index rather
// than arithmetic on length, so it stays correct for a compacted segment
// whose index has gaps.
func (s *Segment) Truncate(index uint64) error {
	if index < s.desc.FirstIndex-1 {
		return fmt.Errorf("log: truncate index %d below segment start %d", index, s.desc.FirstIndex)
	}
	cut := sort.Search(len(s.index), func(i int) bool {
		return s.desc.FirstIndex+s.index[i].relIndex > index
	})
	if cut >= len(s.index) {
		return nil
	}
	s.index = s.index[:cut]
	s.length = uint64(cut)
	if cut == 0 {
		s.buf.SetPosition(descriptorSize)
	} else {
		last := s.index[cut-1]
		s.buf.SetPosition(last.pos + last.size)
	}
	s.wipeTail()
	return nil
}

// wipeTail zeroes the frame header just past the cursor so restart
// recovery stops at the truncation point instead of replaying frames a
// Truncate logically removed but whose bytes still followed the new tail.
func (s *Segment) wipeTail() {
	var zeros [8]byte
	if _, err := s.buf.WriteAt(zeros[:], s.buf.Position()); err == nil {
		return
	}
	// Near the very end of the mapping a full 8 bytes may not fit; any
	// partial wipe of the length prefix still invalidates the frame.
	for i := 0; i < 8; i++ {
		if _, err := s.buf.WriteAt(zeros[:1], s.buf.Position()+i); err != nil {
			return
		}
	}
}

// Seal durably marks the segment locked: only locked segments are trusted
// after restart.
func (s *Segment) Seal() error {
	s.desc.Locked = true
	s.desc.Updated = time.Now().UnixMilli()
	if _, err := s.buf.WriteAt(encodeDescriptor(s.desc), 0); err != nil {
		return err
	}
	return s.buf.Flush()
}

// Locked reports whether the segment has been durably sealed.
func (s *Segment) Locked() bool { return s.desc.Locked }

// Close flushes and releases the segment's backing file.
func (s *Segment) Close() error {
	return s.buf.Close()
}

// Remove closes and deletes the segment's backing file. Used by
// compaction and truncation of superseded segments.
func (s *Segment) Remove() error {
	path := s.path
	if err := s.Close(); err != nil {
		logLogger.Warn().Err(err).Str("path", path).Msg("error closing segment before remove")
	}
	return os.Remove(path)
}
