package raft

import "github.com/ctrimble/copycat/internal/transport"

// commitFuture tracks one entry a Leader has appended and is waiting to
// see committed. result is delivered exactly once, on the executor
// goroutine, either by the replicator advancing commitIndex past index
// or by the role being torn down (leadership lost, server closing).
// pending lists are always kept sorted by index so completions happen in
// monotonically non-decreasing order.
type commitFuture struct {
	index  uint64
	done   chan commitResult
	kind   futureKind
	apply  func() (any, error) // runs the state-machine application once committed
}

type futureKind int

const (
	futureCommand futureKind = iota
	futureMembership
)

type commitResult struct {
	value any
	err   error
}

func newCommitFuture(index uint64, kind futureKind, apply func() (any, error)) *commitFuture {
	return &commitFuture{index: index, done: make(chan commitResult, 1), kind: kind, apply: apply}
}

func (f *commitFuture) complete(res commitResult) {
	select {
	case f.done <- res:
	default:
		// Already completed (e.g. cancelled then raced with a late
		// commit advance); never block the executor goroutine on a
		// future nobody is waiting on anymore.
	}
}

// translateError maps an internal completion error to the RaftError the
// client-facing response should carry when no other value is available.
func translateError(err error) transport.RaftError {
	if err == nil {
		return transport.ErrNone
	}
	return transport.ErrApplicationError
}
