package raft

import (
	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
	"github.com/ctrimble/copycat/pkg/metrics"
)

// followerRole replicates the leader's log and votes in elections. Every
// client-facing handler it doesn't override falls back to baseRole's
// NO_LEADER rejection, pointing the caller at the last known leader.
type followerRole struct {
	baseRole
}

func (f *followerRole) name() string { return "follower" }

func (f *followerRole) enter() {
	f.s.resetElectionTimer(f.onElectionTimeout)
}

func (f *followerRole) leave() {}

func (f *followerRole) onElectionTimeout() {
	// A race with a concurrent transition (e.g. a vote/append already
	// moved this server to Candidate or Follower-under-a-new-leader)
	// means this timer firing is stale; only act if still Follower.
	if f.s.role != f {
		return
	}
	f.s.transitionTo(&candidateRole{baseRole: baseRole{s: f.s}})
}

// handleAppend implements the consistency check and replication of
// AppendRequest: reject stale terms, otherwise reset the election timer,
// record the leader, reconcile the local log against the incoming
// entries, and advance commitIndex/globalIndex.
func (f *followerRole) handleAppend(req *transport.AppendRequest) *transport.AppendResponse {
	if req.Term < f.s.ctx.term {
		return &transport.AppendResponse{Term: f.s.ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
	}
	f.s.resetElectionTimer(f.onElectionTimeout)
	resp := appendEntries(f.s.ctx, req)
	if f.s.ctx.view.IsPassive(f.s.ctx.selfID) {
		f.s.transitionTo(&passiveRole{baseRole: baseRole{s: f.s}})
	}
	return resp
}

// appendEntries implements the consistency check and replication shared
// by Follower and Passive: reject stale terms, record the leader,
// reconcile the local log against the incoming entries, and advance
// commitIndex/globalIndex. The caller owns anything role-specific (a
// Follower resets its election timer; Passive never does).
func appendEntries(ctx *raftContext, req *transport.AppendRequest) *transport.AppendResponse {
	if req.Term < ctx.term {
		return &transport.AppendResponse{Term: ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
	}

	ctx.leader = req.Leader

	if req.PrevLogIndex > 0 {
		localTerm, ok := ctx.log.TermAt(req.PrevLogIndex)
		if !ok || localTerm != req.PrevLogTerm {
			return &transport.AppendResponse{
				Term: ctx.term, Success: false, LogIndex: lastMatchingIndex(ctx, req.PrevLogIndex),
			}
		}
	}

	for i, body := range req.Entries {
		idx := req.PrevLogIndex + uint64(i) + 1
		kind := req.Kinds[i]

		if existingTerm, ok := ctx.log.TermAt(idx); ok {
			decoded, err := entry.Decode(kind, body)
			if err != nil {
				return &transport.AppendResponse{Term: ctx.term, Success: false, Error: transport.ErrInternalError}
			}
			if existingTerm == decoded.GetTerm() {
				continue // already present and matching, nothing to do
			}
			if err := ctx.log.Truncate(idx - 1); err != nil {
				raftLogger.Error().Err(err).Msg("truncate on conflicting entry failed")
				return &transport.AppendResponse{Term: ctx.term, Success: false, Error: transport.ErrInternalError}
			}
		}

		e, err := entry.Decode(kind, body)
		if err != nil {
			return &transport.AppendResponse{Term: ctx.term, Success: false, Error: transport.ErrInternalError}
		}
		if _, err := ctx.log.Append(e); err != nil {
			raftLogger.Error().Err(err).Msg("follower append failed")
			return &transport.AppendResponse{Term: ctx.term, Success: false, Error: transport.ErrInternalError}
		}
	}

	if ctx.log.LastIndex() > 0 {
		newCommit := req.CommitIndex
		if last := ctx.log.LastIndex(); newCommit > last {
			newCommit = last
		}
		ctx.setCommitIndex(newCommit)
	}
	ctx.globalIndex = req.GlobalIndex

	// Report only what this request actually verified: prevLogIndex plus
	// the batch. Anything beyond that in the local log is an unreconciled
	// suffix the leader must not count as matched.
	matched := req.PrevLogIndex + uint64(len(req.Entries))
	return &transport.AppendResponse{Term: ctx.term, Success: true, LogIndex: matched}
}

// lastMatchingIndex picks the index the leader's replicator should retry
// from: this server's last index when its log is shorter than the
// rejected prevLogIndex (skipping the whole gap at once), otherwise the
// index just below prevLogIndex.
func lastMatchingIndex(ctx *raftContext, rejected uint64) uint64 {
	last := ctx.log.LastIndex()
	if last < rejected {
		return last
	}
	return rejected - 1
}

func (f *followerRole) handleVote(req *transport.VoteRequest) *transport.VoteResponse {
	ctx := f.s.ctx
	candidateID := cluster.MemberIDOf(req.Candidate)
	if req.Term < ctx.term {
		return &transport.VoteResponse{Term: ctx.term, Voted: false}
	}
	if !ctx.view.IsActive(candidateID) {
		return &transport.VoteResponse{Term: ctx.term, Voted: false}
	}
	if ctx.hasVoted && ctx.lastVotedFor != candidateID {
		return &transport.VoteResponse{Term: ctx.term, Voted: false}
	}
	if !ctx.isUpToDate(req.LastLogTerm, req.LastLogIndex) {
		return &transport.VoteResponse{Term: ctx.term, Voted: false}
	}
	if err := ctx.recordVote(candidateID); err != nil {
		raftLogger.Error().Err(err).Msg("failed to persist vote")
		return &transport.VoteResponse{Term: ctx.term, Voted: false}
	}
	f.s.resetElectionTimer(f.onElectionTimeout)
	return &transport.VoteResponse{Term: ctx.term, Voted: true}
}

func (f *followerRole) handleInstallSnapshot(req *transport.InstallSnapshotRequest) *transport.InstallSnapshotResponse {
	f.s.resetElectionTimer(f.onElectionTimeout)
	return installSnapshot(f.s.ctx, req)
}

// installSnapshot implements the receiving side of a snapshot install,
// shared by Follower and Passive exactly like appendEntries:
// restore the user state machine from the leader's snapshot, reset the
// local log to start fresh just past the snapshot boundary, and advance
// commitIndex to match. A stale-term request is rejected like any other
// RPC.
func installSnapshot(ctx *raftContext, req *transport.InstallSnapshotRequest) *transport.InstallSnapshotResponse {
	if req.Term < ctx.term {
		return &transport.InstallSnapshotResponse{Term: ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
	}
	ctx.leader = req.Leader

	if err := ctx.log.Reset(req.Index, req.SnapshotTerm); err != nil {
		raftLogger.Error().Err(err).Msg("log reset during snapshot install failed")
		return &transport.InstallSnapshotResponse{Term: ctx.term, Success: false, Error: transport.ErrInternalError}
	}
	if err := ctx.apply.InstallSnapshot(req.Index, req.Data); err != nil {
		raftLogger.Error().Err(err).Msg("state machine restore during snapshot install failed")
		return &transport.InstallSnapshotResponse{Term: ctx.term, Success: false, Error: transport.ErrApplicationError}
	}
	if req.Index > ctx.commitIndex {
		ctx.commitIndex = req.Index
		metrics.RaftCommitIndex.Set(float64(req.Index))
	}
	return &transport.InstallSnapshotResponse{Term: ctx.term, Success: true}
}

func (f *followerRole) handlePoll(req *transport.PollRequest) *transport.PollResponse {
	ctx := f.s.ctx
	candidateID := cluster.MemberIDOf(req.Candidate)
	accepted := req.Term >= ctx.term &&
		ctx.view.IsActive(candidateID) &&
		ctx.isUpToDate(req.LastLogTerm, req.LastLogIndex)
	return &transport.PollResponse{Term: ctx.term, Accepted: accepted}
}
