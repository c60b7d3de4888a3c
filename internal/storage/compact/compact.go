// Package compact implements copycat's two segment compaction policies,
// minor and major, gated by the raft globalIndex.
//
// Both policies follow the same rewrite-and-swap shape: replay a sealed
// segment (or a contiguous run of them) into a freshly created sealed
// replacement, skipping entries a caller-supplied cleanable predicate
// flags, then atomically swap the replacement in and delete the
// originals. Nothing above globalIndex is ever touched, so in-flight
// replication to a lagging peer can always read what it still needs.
package compact

import (
	"fmt"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/storage/log"
	copylog "github.com/ctrimble/copycat/pkg/log"
	"github.com/ctrimble/copycat/pkg/metrics"
)

var compactLogger = copylog.WithComponent("compact")

// Policy names one of the two compaction strategies, used as the
// prometheus label on CompactionRunsTotal/CompactionDuration.
type Policy string

const (
	PolicyMinor Policy = "minor"
	PolicyMajor Policy = "major"
)

// Cleanable reports whether an entry may be dropped during a rewrite. The
// state machine supplies this, e.g. a CommandEntry whose response has
// aged out of every session's result cache, or a KeepAliveEntry
// superseded by a later one for the same session.
type Cleanable func(e entry.Entry) bool

// Compactor rewrites sealed segments of a Log, never touching the
// current writable segment and never an entry above globalIndex.
type Compactor struct {
	log       *log.Log
	cleanable Cleanable
}

// New returns a Compactor for l. cleanable decides which entries a
// rewrite may drop; a nil cleanable keeps every entry, so a rewrite only
// merges segments without shrinking them.
func New(l *log.Log, cleanable Cleanable) *Compactor {
	if cleanable == nil {
		cleanable = func(entry.Entry) bool { return false }
	}
	return &Compactor{log: l, cleanable: cleanable}
}

// eligible reports whether a sealed segment lies entirely at or below
// globalIndex, the safety bound for compaction.
func eligible(s *log.Segment, globalIndex uint64) bool {
	return s.Locked() && s.LastIndex() <= globalIndex
}

// eligiblePrefix returns the longest contiguous run of sealed segments,
// from the oldest, that are all eligible under globalIndex. Compaction
// never skips over an ineligible segment to reach one further along,
// since that would reorder which segments are rewritten first.
func eligiblePrefix(l *log.Log, globalIndex uint64) []*log.Segment {
	segs := l.Segments()
	if len(segs) == 0 {
		return nil
	}
	sealed := segs[:len(segs)-1] // last element is always the writable current segment
	var prefix []*log.Segment
	for _, s := range sealed {
		if !eligible(s, globalIndex) {
			break
		}
		prefix = append(prefix, s)
	}
	return prefix
}

// RunMinor rewrites the single oldest eligible sealed segment, dropping
// entries the state machine has flagged cleanable, and replaces it with a
// smaller segment at the same version+1.
func (c *Compactor) RunMinor(globalIndex uint64) error {
	prefix := eligiblePrefix(c.log, globalIndex)
	if len(prefix) == 0 {
		return nil
	}
	target := prefix[0]
	if target.Length() == 0 {
		return nil
	}
	// Rewriting is only worth the churn if something actually drops;
	// otherwise the same segment would be re-versioned on every tick.
	dropped := 0
	_ = target.ForEach(func(e entry.Entry) error {
		if c.cleanable(e) {
			dropped++
		}
		return nil
	})
	if dropped == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, string(PolicyMinor))

	desc := target.Descriptor()
	replacement, kept, err := c.rewrite([]*log.Segment{target}, desc.ID, desc.Version+1)
	if err != nil {
		return fmt.Errorf("compact: minor rewrite of segment %d failed: %w", desc.ID, err)
	}
	if err := c.log.ReplaceSegments([]*log.Segment{target}, replacement); err != nil {
		return err
	}
	metrics.CompactionRunsTotal.WithLabelValues(string(PolicyMinor)).Inc()
	compactLogger.Info().
		Uint64("segment", desc.ID).Int("kept", kept).Msg("minor compaction complete")
	return nil
}

// RunMajor merges every eligible contiguous run of sealed segments (at
// least two) into a single new segment, dropping cleanable entries along
// the way.
func (c *Compactor) RunMajor(globalIndex uint64) error {
	prefix := eligiblePrefix(c.log, globalIndex)
	prefix = capBySize(prefix, int(c.log.SegmentConfig().MaxSegmentSize))
	if len(prefix) < 2 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, string(PolicyMajor))

	firstDesc := prefix[0].Descriptor()
	replacement, kept, err := c.rewrite(prefix, firstDesc.ID, maxVersion(prefix)+1)
	if err != nil {
		return fmt.Errorf("compact: major merge starting at segment %d failed: %w", firstDesc.ID, err)
	}
	if err := c.log.ReplaceSegments(prefix, replacement); err != nil {
		return err
	}
	metrics.CompactionRunsTotal.WithLabelValues(string(PolicyMajor)).Inc()
	compactLogger.Info().
		Int("segments_merged", len(prefix)).Int("kept", kept).Msg("major compaction complete")
	return nil
}

// capBySize trims prefix to the longest run whose combined entry bytes
// fit in one replacement segment; dropping cleanable entries can only
// shrink the result, so this bound is conservative.
func capBySize(prefix []*log.Segment, maxSegmentSize int) []*log.Segment {
	total := 0
	for i, s := range prefix {
		total += s.DataSize()
		if total > maxSegmentSize {
			return prefix[:i]
		}
	}
	return prefix
}

// maxVersion returns the highest Version among group's segments, so a
// merge's replacement segment can pick a version guaranteed not to
// collide with the filename of any segment it is reading from.
func maxVersion(group []*log.Segment) uint64 {
	var max uint64
	for _, s := range group {
		if v := s.Descriptor().Version; v > max {
			max = v
		}
	}
	return max
}

// rewrite replays every entry in group, in order, into a freshly created
// sealed segment, skipping any entry the Cleanable predicate flags. The
// new segment is given id/version explicitly so the caller controls
// whether it supersedes one segment (minor) or several (major).
func (c *Compactor) rewrite(group []*log.Segment, id, version uint64) (*log.Segment, int, error) {
	firstIndex := group[0].FirstIndex()
	out, err := log.CreateSegment(c.log.Dir(), c.log.Name(), id, firstIndex, version, c.log.SegmentConfig(), nil)
	if err != nil {
		return nil, 0, err
	}

	kept := 0
	for _, seg := range group {
		err := seg.ForEach(func(e entry.Entry) error {
			if c.cleanable(e) {
				return nil
			}
			kept++
			return out.AppendRaw(e)
		})
		if err != nil {
			out.Remove()
			return nil, 0, err
		}
	}

	if err := out.Seal(); err != nil {
		out.Remove()
		return nil, 0, err
	}
	return out, kept, nil
}
