package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/pkg/buffer"
	copylog "github.com/ctrimble/copycat/pkg/log"
	"github.com/ctrimble/copycat/pkg/metrics"
)

var segmentFilePattern = regexp.MustCompile(`^(.+)-(\d+)-(\d+)\.log$`)

var logLogger = copylog.WithComponent("log")

// Log is an ordered collection of segments keyed by firstIndex. Exactly
// one segment, the newest, is current and writable.
type Log struct {
	mu      sync.RWMutex
	dir     string
	name    string
	cfg     Config
	pool    *buffer.Pool
	nextID  uint64
	current *Segment
	sealed  []*Segment // ordered by FirstIndex ascending

	commitIndex uint64

	// snapshotTerm is the term of the last entry a snapshot install
	// covered, consulted by LastTerm only while the current segment
	// still has nothing physically appended past it.
	snapshotTerm uint64
}

// Open reconciles dir against any existing segment files and returns a
// ready-to-use Log, creating the first segment if dir was empty.
func Open(dir, name string, cfg Config, pool *buffer.Pool) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	l := &Log{dir: dir, name: name, cfg: cfg, pool: pool}
	if err := l.reconcile(); err != nil {
		return nil, err
	}
	return l, nil
}

type discovered struct {
	id, version uint64
	path        string
}

// reconcile scans dir for segment files, keeps the highest version (ties
// broken by id) among locked segments that share the same firstIndex, and
// opens the survivors in firstIndex order. Segments with different
// firstIndex values are all kept, even where their index ranges overlap,
// and gaps between segments are not recorded.
func (l *Log) reconcile() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	byFirstIndex := map[uint64][]discovered{}
	for _, fe := range entries {
		if fe.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(fe.Name())
		if m == nil || m[1] != l.name {
			continue // unrecognized name, ignored
		}
		id, _ := strconv.ParseUint(m[2], 10, 64)
		version, _ := strconv.ParseUint(m[3], 10, 64)
		path := filepath.Join(l.dir, fe.Name())

		seg, err := OpenSegment(path, l.pool)
		if err != nil {
			logLogger.Warn().Err(err).Str("path", path).Msg("discarding unreadable segment")
			continue
		}
		if !seg.Locked() {
			// Only locked segments are trusted after restart.
			seg.Close()
			os.Remove(path)
			continue
		}
		byFirstIndex[seg.FirstIndex()] = append(byFirstIndex[seg.FirstIndex()], discovered{id, version, path})
		seg.Close()
	}

	firstIndices := make([]uint64, 0, len(byFirstIndex))
	for fi := range byFirstIndex {
		firstIndices = append(firstIndices, fi)
	}
	sort.Slice(firstIndices, func(i, j int) bool { return firstIndices[i] < firstIndices[j] })

	var maxID uint64
	var segments []*Segment
	for _, fi := range firstIndices {
		candidates := byFirstIndex[fi]
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].version != candidates[j].version {
				return candidates[i].version > candidates[j].version
			}
			return candidates[i].id > candidates[j].id
		})
		winner := candidates[0]
		for _, loser := range candidates[1:] {
			os.Remove(loser.path)
		}
		seg, err := OpenSegment(winner.path, l.pool)
		if err != nil {
			return err
		}
		segments = append(segments, seg)
		if winner.id > maxID {
			maxID = winner.id
		}
	}

	if len(segments) == 0 {
		seg, err := CreateSegment(l.dir, l.name, 0, 1, 1, l.cfg, l.pool)
		if err != nil {
			return err
		}
		l.current = seg
		l.nextID = 1
		return nil
	}

	l.sealed = segments[:len(segments)-1]
	for _, s := range l.sealed {
		if !s.Locked() {
			s.Seal()
		}
	}
	last := segments[len(segments)-1]
	if last.Locked() {
		// The newest segment on disk was sealed (e.g. shutdown mid-roll);
		// start a fresh writable one after it.
		l.sealed = append(l.sealed, last)
		fresh, err := CreateSegment(l.dir, l.name, maxID+1, last.LastIndex()+1, 1, l.cfg, l.pool)
		if err != nil {
			return err
		}
		l.current = fresh
		l.nextID = maxID + 2
	} else {
		l.current = last
		l.nextID = maxID + 1
	}
	metrics.LogSegmentsTotal.Set(float64(len(l.sealed) + 1))
	return nil
}

// Append writes e to the current segment, rolling over to a new segment
// first if the current one is full.
func (l *Log) Append(e entry.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LogAppendDuration)

	if l.current.IsFull() {
		if err := l.roll(); err != nil {
			return 0, err
		}
	}
	idx, err := l.current.Append(e)
	if err != nil {
		return 0, err
	}
	metrics.LogAppendsTotal.Inc()
	return idx, nil
}

func (l *Log) roll() error {
	if err := l.current.Seal(); err != nil {
		return err
	}
	nextFirst := l.current.LastIndex() + 1
	l.sealed = append(l.sealed, l.current)

	seg, err := CreateSegment(l.dir, l.name, l.nextID, nextFirst, 1, l.cfg, l.pool)
	if err != nil {
		return err
	}
	l.nextID++
	l.current = seg
	metrics.LogSegmentsTotal.Set(float64(len(l.sealed) + 1))
	return nil
}

// segmentFor returns the segment (sealed or current) whose range contains
// index, via a lower-bound search on firstIndex.
func (l *Log) segmentFor(index uint64) *Segment {
	if l.current.ContainsIndex(index) {
		return l.current
	}
	i := sort.Search(len(l.sealed), func(i int) bool {
		return l.sealed[i].FirstIndex() > index
	})
	if i == 0 {
		return nil
	}
	candidate := l.sealed[i-1]
	if candidate.ContainsIndex(index) {
		return candidate
	}
	return nil
}

// Get returns a reference-counted handle to the entry at index, or an
// error if index is not present (either truncated, compacted away, or
// never written).
func (l *Log) Get(index uint64) (*entry.Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg := l.segmentFor(index)
	if seg == nil {
		return nil, errNoSuchIndex
	}
	return seg.Get(index)
}

// ContainsIndex reports whether index is present in the log.
func (l *Log) ContainsIndex(index uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segmentFor(index) != nil
}

// FirstIndex is the index of the oldest retained entry.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.sealed) > 0 {
		return l.sealed[0].FirstIndex()
	}
	return l.current.FirstIndex()
}

// LastIndex is the index of the newest entry.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.LastIndex()
}

// IsEmpty reports whether the log has never had an entry appended and
// has never had a snapshot installed either; it carries no raft history
// at all. A log reset to start just past a snapshot boundary has a
// non-zero LastIndex even while its current segment holds zero physical
// entries, so that case is not "empty".
func (l *Log) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Length() == 0 && len(l.sealed) == 0 && l.current.FirstIndex() == 1
}

// LastTerm returns the term of the last entry, or 0 for an empty log
// (used by the election up-to-date check).
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	lastIdx := l.current.LastIndex()
	atSnapshotBoundary := l.current.Length() == 0 && len(l.sealed) == 0 && l.current.FirstIndex() > 1
	snapTerm := l.snapshotTerm
	l.mu.RUnlock()
	if l.IsEmpty() {
		return 0
	}
	if atSnapshotBoundary {
		return snapTerm
	}
	h, err := l.Get(lastIdx)
	if err != nil {
		return 0
	}
	defer h.Release()
	return h.Entry.GetTerm()
}

// TermAt returns the term of the entry at index, or (0, false) if absent.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	h, err := l.Get(index)
	if err != nil {
		return 0, false
	}
	defer h.Release()
	return h.Entry.GetTerm(), true
}

// Truncate drops every entry with index strictly greater than index,
// deleting any sealed segments that fall entirely above it.
func (l *Log) Truncate(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop sealed segments that start above the truncation point.
	keep := l.sealed[:0:0]
	for _, s := range l.sealed {
		if s.FirstIndex() > index {
			if err := s.Remove(); err != nil {
				return err
			}
			continue
		}
		keep = append(keep, s)
	}
	l.sealed = keep

	if l.current.FirstIndex() > index {
		if len(l.sealed) == 0 {
			return fmt.Errorf("log: truncate(%d) would remove every segment", index)
		}
		promoted := l.sealed[len(l.sealed)-1]
		l.sealed = l.sealed[:len(l.sealed)-1]
		if err := l.current.Remove(); err != nil {
			return err
		}
		// The promoted segment must become writable again; drop its sealed
		// mapping before reopening the same file.
		path := promoted.path
		fullSize := int64(promoted.desc.MaxSegmentSize) + descriptorSize
		if err := promoted.Close(); err != nil {
			return err
		}
		// Close trimmed the file to its data and OpenSegment maps a file at
		// its current size, so grow it back to a full segment first.
		if err := os.Truncate(path, fullSize); err != nil {
			return err
		}
		reopened, err := OpenSegment(path, l.pool)
		if err != nil {
			return err
		}
		reopened.desc.Locked = false
		l.current = reopened
	}
	if err := l.current.Truncate(index); err != nil {
		return err
	}
	metrics.LogSegmentsTotal.Set(float64(len(l.sealed) + 1))
	return nil
}

// SetCommitIndex records the advisory commit index used by compactors;
// commit advancement itself is decided by the raft layer.
func (l *Log) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

// CommitIndex returns the log's advisory commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// Segments returns the sealed segments plus the current one, in
// ascending FirstIndex order; used by the compactor.
func (l *Log) Segments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Segment, 0, len(l.sealed)+1)
	out = append(out, l.sealed...)
	out = append(out, l.current)
	return out
}

// Dir and Name expose the log's on-disk location and file-name stem, so
// the compactor can create replacement segments in place.
func (l *Log) Dir() string           { return l.dir }
func (l *Log) Name() string          { return l.name }
func (l *Log) SegmentConfig() Config { return l.cfg }

// ReplaceSegments atomically swaps a contiguous run of sealed segments for
// a single replacement segment covering the same index range. replacement must already be
// sealed. old must be a contiguous prefix of l.sealed; the current
// (writable) segment is never a valid compaction target.
func (l *Log) ReplaceSegments(old []*Segment, replacement *Segment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(old) == 0 {
		return fmt.Errorf("log: ReplaceSegments called with no segments")
	}
	if len(old) > len(l.sealed) {
		return fmt.Errorf("log: ReplaceSegments old set larger than sealed set")
	}
	for i, s := range old {
		if s != l.sealed[i] {
			return fmt.Errorf("log: ReplaceSegments old set is not a prefix of sealed segments")
		}
	}

	next := make([]*Segment, 0, len(l.sealed)-len(old)+1)
	next = append(next, replacement)
	next = append(next, l.sealed[len(old):]...)
	l.sealed = next

	for _, s := range old {
		if err := s.Remove(); err != nil {
			return err
		}
	}
	metrics.LogSegmentsTotal.Set(float64(len(l.sealed) + 1))
	return nil
}

// Reset discards every segment and starts the log fresh with a single
// empty writable segment whose FirstIndex is snapshotIndex+1: the log
// no longer retains anything at or below snapshotIndex, the way a
// follower that just installed a snapshot has nothing before it.
func (l *Log) Reset(snapshotIndex, snapshotTerm uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.sealed {
		if err := s.Remove(); err != nil {
			return err
		}
	}
	if err := l.current.Remove(); err != nil {
		return err
	}
	l.sealed = nil

	seg, err := CreateSegment(l.dir, l.name, l.nextID, snapshotIndex+1, 1, l.cfg, l.pool)
	if err != nil {
		return err
	}
	l.nextID++
	l.current = seg
	l.snapshotTerm = snapshotTerm
	if snapshotIndex > l.commitIndex {
		l.commitIndex = snapshotIndex
	}
	metrics.LogSegmentsTotal.Set(1)
	return nil
}

// Close seals the current segment (an unlocked segment is discarded at
// the next startup, so a clean shutdown must not leave one behind) and
// closes every segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sealed {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if !l.current.Locked() && l.current.Length() > 0 {
		if err := l.current.Seal(); err != nil {
			return err
		}
	}
	return l.current.Close()
}
