// Package raft implements copycat's replicated state machine: the
// per-role Follower/Candidate/Leader/Passive protocol (the Remote role
// lives client-side, in package client), the
// per-peer replicator, and the Server that ties them to the segmented
// log, the session executor, and a pluggable transport.
//
// Every piece of protocol state lives in raftContext and is owned by a
// single-threaded executor; roles are tagged variants dispatched per
// RPC, and the replicator re-posts its async completions back onto that
// executor rather than mutating anything from I/O goroutines.
package raft

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/storage/compact"
	storagelog "github.com/ctrimble/copycat/internal/storage/log"
	"github.com/ctrimble/copycat/internal/session"
	"github.com/ctrimble/copycat/internal/transport"
	"github.com/ctrimble/copycat/pkg/metrics"
	"github.com/ctrimble/copycat/pkg/storage"
)

// maxBatchSize bounds how many bytes of entries the replicator pipelines
// in a single AppendRequest.
const maxBatchSize = 256 * 1024

// Config bundles every tunable a Server needs, enumerated the way the
// external interface names them: timeouts, storage limits, the cluster's
// initial member list, and the transport/state-machine the core treats
// as external collaborators.
type Config struct {
	Self              entry.Address
	Members           []entry.Address
	StorageDirectory  string
	LogName           string
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	MaxEntrySize      uint32
	MaxSegmentSize    uint32
	MaxEntriesPerSeg  uint32
	Transport         transport.Transport
	StateMachine      session.StateMachine

	// Cleanable flags entries a compaction rewrite may drop; nil keeps
	// every entry, so compaction only merges segments without shrinking
	// them.
	Cleanable compact.Cleanable
	// CompactionInterval paces the leader's background compaction
	// ticker; defaults to 5s (20x the default HeartbeatInterval), whatever
	// HeartbeatInterval is set to.
	CompactionInterval time.Duration
}

// DefaultConfig fills in every option enumerated for the external
// interface: 500ms election timeout, 250ms heartbeat, 5x heartbeat
// session timeout, 1MiB entries, 32MiB segments.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:    500 * time.Millisecond,
		HeartbeatInterval:  250 * time.Millisecond,
		SessionTimeout:     5 * 250 * time.Millisecond,
		MaxEntrySize:       1 << 20,
		MaxSegmentSize:     32 << 20,
		MaxEntriesPerSeg:   1 << 20,
		LogName:            "copycat",
		CompactionInterval: 20 * 250 * time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.HeartbeatInterval*2 >= c.ElectionTimeout {
		return fmt.Errorf("raft: heartbeatInterval must be < electionTimeout/2")
	}
	if c.Transport == nil {
		return fmt.Errorf("raft: transport is required")
	}
	if c.StateMachine == nil {
		return fmt.Errorf("raft: state machine is required")
	}
	return nil
}

// raftContext is the server's owned, single-executor-thread-only state:
// term, leader, lastVotedFor, commitIndex, globalIndex, the log, the
// cluster view, the session registry, and the state-machine applier.
// Nothing outside the executor goroutine may read or write these
// fields; every access happens from inside a role method or a
// replicator callback.
type raftContext struct {
	cfg Config

	self   entry.Address
	selfID cluster.MemberID

	term         uint64
	leader       entry.Address
	lastVotedFor cluster.MemberID
	hasVoted     bool

	commitIndex uint64
	globalIndex uint64

	log       *storagelog.Log
	view      *cluster.View
	meta      *storage.MetaStore
	apply     *session.Executor
	sess      *session.Registry
	compactor *compact.Compactor
	pending   []*commitFuture // sorted ascending by index; completed in order

	rng *rand.Rand
}

func newContext(cfg Config, l *storagelog.Log, meta *storage.MetaStore) (*raftContext, error) {
	view := cluster.New(cfg.Self)
	if len(cfg.Members) > 0 {
		active := []entry.Address{cfg.Self}
		for _, m := range cfg.Members {
			if m != cfg.Self {
				active = append(active, m)
			}
		}
		view.Apply(&entry.ConfigurationEntry{Active: active})
	}

	if storedCfg, ok, err := loadConfiguration(meta); err != nil {
		return nil, err
	} else if ok {
		view.Apply(storedCfg)
	}

	term, votedFor, voted, err := meta.LoadTerm()
	if err != nil {
		return nil, err
	}

	_, selfID := view.Self()
	sess := session.NewRegistry(cfg.SessionTimeout.Milliseconds())

	return &raftContext{
		cfg:          cfg,
		self:         cfg.Self,
		selfID:       selfID,
		term:         term,
		lastVotedFor: cluster.MemberID(votedFor),
		hasVoted:     voted,
		log:          l,
		view:         view,
		meta:         meta,
		sess:         sess,
		apply:        session.NewExecutor(cfg.StateMachine, sess, view),
		compactor:    compact.New(l, cfg.Cleanable),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func loadConfiguration(meta *storage.MetaStore) (*entry.ConfigurationEntry, bool, error) {
	return meta.LoadConfiguration()
}

// randomElectionTimeout returns a duration uniformly drawn from
// [electionTimeout, 2*electionTimeout).
func (c *raftContext) randomElectionTimeout() time.Duration {
	base := c.cfg.ElectionTimeout
	jitter := time.Duration(c.rng.Int63n(int64(base)))
	return base + jitter
}

// setTerm advances the term, clears the vote, and persists both before
// any response leaves the server; a crash must never forget a term bump
// or (separately) a cast vote.
func (c *raftContext) setTerm(term uint64) error {
	c.term = term
	c.hasVoted = false
	c.lastVotedFor = 0
	metrics.RaftTerm.Set(float64(term))
	return c.meta.SaveTerm(c.term, uint64(c.lastVotedFor), c.hasVoted)
}

// recordVote persists a granted vote for candidate in the current term.
func (c *raftContext) recordVote(candidate cluster.MemberID) error {
	c.hasVoted = true
	c.lastVotedFor = candidate
	return c.meta.SaveTerm(c.term, uint64(c.lastVotedFor), c.hasVoted)
}

// setCommitIndex advances commitIndex if idx is strictly greater,
// mirrors it onto the log for the compactor's benefit, and applies every
// newly committed entry to the state machine in order.
func (c *raftContext) setCommitIndex(idx uint64) {
	if idx <= c.commitIndex {
		return
	}
	c.commitIndex = idx
	c.log.SetCommitIndex(idx)
	metrics.RaftCommitIndex.Set(float64(idx))
	c.applyCommitted()
	c.completeFutures()
}

// applyCommitted applies every entry between lastApplied and commitIndex,
// in order, on this (the executor) goroutine.
func (c *raftContext) applyCommitted() {
	for idx := c.apply.LastApplied() + 1; idx <= c.commitIndex; idx++ {
		h, err := c.log.Get(idx)
		if err != nil {
			// Entry was compacted away or is otherwise unreadable;
			// nothing to apply.
			continue
		}
		_, _ = c.apply.Apply(h.Entry)
		if cfg, ok := h.Entry.(*entry.ConfigurationEntry); ok {
			// The view is reseeded from this on restart, before the log
			// replays.
			if err := c.meta.SaveConfiguration(cfg); err != nil {
				raftLogger.Error().Err(err).Msg("failed to persist configuration")
			}
		}
		h.Release()
	}
}

// completeFutures resolves every pending future whose index is now
// committed, in ascending index order, running its apply callback to
// fetch the result.
func (c *raftContext) completeFutures() {
	i := 0
	for ; i < len(c.pending); i++ {
		f := c.pending[i]
		if f.index > c.commitIndex {
			break
		}
		val, err := f.apply()
		f.complete(commitResult{value: val, err: err})
	}
	c.pending = c.pending[i:]
}

// cancelFutures fails every still-pending future with err, used when the
// role is torn down (leadership lost, server closing) before commitment.
func (c *raftContext) cancelFutures(err error) {
	for _, f := range c.pending {
		f.complete(commitResult{err: err})
	}
	c.pending = nil
}

// addFuture registers a pending commit future in index order (appends
// are always monotonically increasing, so this is just an append).
func (c *raftContext) addFuture(f *commitFuture) {
	c.pending = append(c.pending, f)
}

// lastLogTerm/lastLogIndex expose the up-to-date-check inputs.
func (c *raftContext) lastLogIndex() uint64 {
	if c.log.IsEmpty() {
		return 0
	}
	return c.log.LastIndex()
}

func (c *raftContext) lastLogTerm() uint64 {
	if c.log.IsEmpty() {
		return 0
	}
	return c.log.LastTerm()
}

// isUpToDate reports whether a candidate log described by
// (candidateLastTerm, candidateLastIndex) is at least as up to date as
// this server's log, the Election Safety precondition for granting a
// vote.
func (c *raftContext) isUpToDate(candidateLastTerm, candidateLastIndex uint64) bool {
	localTerm, localIndex := c.lastLogTerm(), c.lastLogIndex()
	if candidateLastTerm != localTerm {
		return candidateLastTerm > localTerm
	}
	return candidateLastIndex >= localIndex
}
