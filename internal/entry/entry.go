// Package entry defines the raft log entry variants and the
// reference-counted handle used to hand out decoded entries backed by
// pooled buffers.
//
// Entries decoded off a pooled buffer are handed out as a *Handle whose
// release returns the backing buffer to its pool at refcount zero;
// small synthetic entries built in memory (a new leader's NoOp, a
// locally-constructed ConfigurationEntry before it is appended) are
// plain values with no pool attached.
package entry

import (
	"sync/atomic"

	"github.com/ctrimble/copycat/pkg/buffer"
	"github.com/ctrimble/copycat/pkg/codec"
)

// Kind is the stable on-disk type id for an entry variant.
type Kind = codec.TypeID

const (
	KindNoOp Kind = iota + 1
	KindConfiguration
	KindRegister
	KindKeepAlive
	KindCommand
	KindQuery
	KindJoin
	KindLeave
	KindPromote
	KindDemote
)

// Entry is implemented by every log entry variant. All variants carry an
// index and term; the index is assigned by the log on append and is not
// known to the entry before that (hence SetIndex).
type Entry interface {
	GetIndex() uint64
	SetIndex(uint64)
	GetTerm() uint64
	SetTerm(uint64)
	Kind() Kind
}

// Address identifies a cluster member by host:port.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return a.Host + ":" + itoa(a.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [12]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// base is embedded by every variant to carry index/term.
type base struct {
	Index uint64
	Term  uint64
}

func (b *base) GetIndex() uint64  { return b.Index }
func (b *base) SetIndex(i uint64) { b.Index = i }
func (b *base) GetTerm() uint64   { return b.Term }
func (b *base) SetTerm(t uint64)  { b.Term = t }

// NoOpEntry is appended by a new Leader to force commitment of prior-term
// entries.
type NoOpEntry struct{ base }

func (e *NoOpEntry) Kind() Kind { return KindNoOp }

// ConfigurationEntry carries the full active/passive membership sets.
type ConfigurationEntry struct {
	base
	Active  []Address
	Passive []Address
}

func (e *ConfigurationEntry) Kind() Kind { return KindConfiguration }

// RegisterEntry creates a client session; its own log index becomes the
// session id.
type RegisterEntry struct {
	base
	Member    Address
	Timestamp int64
}

func (e *RegisterEntry) Kind() Kind { return KindRegister }

// KeepAliveEntry refreshes a session's liveness timestamp.
type KeepAliveEntry struct {
	base
	Session   uint64
	Timestamp int64
}

func (e *KeepAliveEntry) Kind() Kind { return KindKeepAlive }

// CommandEntry carries a client state-mutating request, keyed for
// at-most-once replay by (Session, Request).
type CommandEntry struct {
	base
	Session   uint64
	Request   uint64
	Response  uint64
	Timestamp int64
	Command   []byte
}

func (e *CommandEntry) Kind() Kind { return KindCommand }

// QueryEntry describes a read at a given version. The leader never
// appends one: strict linearizable reads wait for the log's existing
// tail to commit instead.
type QueryEntry struct {
	base
	Session   uint64
	Version   uint64
	Timestamp int64
	Query     []byte
}

func (e *QueryEntry) Kind() Kind { return KindQuery }

// JoinEntry / LeaveEntry / PromoteEntry / DemoteEntry are membership
// change entries, each naming the member address they act on.
type JoinEntry struct {
	base
	Member Address
}

func (e *JoinEntry) Kind() Kind { return KindJoin }

type LeaveEntry struct {
	base
	Member Address
}

func (e *LeaveEntry) Kind() Kind { return KindLeave }

type PromoteEntry struct {
	base
	Member Address
}

func (e *PromoteEntry) Kind() Kind { return KindPromote }

type DemoteEntry struct {
	base
	Member Address
}

func (e *DemoteEntry) Kind() Kind { return KindDemote }

// Handle wraps a decoded Entry that is backed by a pooled buffer. acquire
// increments the reference count; release decrements it, returning the
// backing buffer to its pool at zero.
type Handle struct {
	Entry Entry
	buf   *buffer.Buffer
	pool  *buffer.Pool
	refs  int32
}

// NewHandle wraps e, optionally backed by buf/pool (both nil for a
// synthetic, not-yet-persisted entry).
func NewHandle(e Entry, buf *buffer.Buffer, pool *buffer.Pool) *Handle {
	return &Handle{Entry: e, buf: buf, pool: pool, refs: 1}
}

// Acquire increments the reference count and returns the handle for
// chaining.
func (h *Handle) Acquire() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Release decrements the reference count, returning the backing buffer to
// its pool once it reaches zero.
func (h *Handle) Release() {
	if h.pool == nil {
		return
	}
	if atomic.AddInt32(&h.refs, -1) == 0 {
		h.pool.Put(h.buf)
	}
}
