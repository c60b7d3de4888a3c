package raft

import (
	"fmt"
	"time"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/session"
	"github.com/ctrimble/copycat/internal/transport"
)

// leaderRole owns the replicated log: it accepts client writes, appends
// them locally, fans them out to every peer through a per-peer
// replicator, and advances commitIndex once a quorum has matched.
type leaderRole struct {
	baseRole
	replicators   map[cluster.MemberID]*replicator
	configPending bool // a membership change is in flight, uncommitted
	compactTicks  uint64
}

func (l *leaderRole) name() string { return "leader" }

func (l *leaderRole) enter() {
	ctx := l.s.ctx
	ctx.leader = ctx.self

	// Passive members get replicators too; they receive appends and count
	// toward globalIndex, just never toward the commit quorum.
	l.replicators = make(map[cluster.MemberID]*replicator)
	for _, addr := range ctx.view.ActiveMembers() {
		if addr == ctx.self {
			continue
		}
		l.replicators[cluster.MemberIDOf(addr)] = newReplicator(l.s, addr)
	}
	for _, addr := range ctx.view.PassiveMembers() {
		l.replicators[cluster.MemberIDOf(addr)] = newReplicator(l.s, addr)
	}

	// A leader may only commit entries from its own term directly; an
	// immediate no-op establishes that and lets prior-term entries ride
	// along to commit.
	noop := &entry.NoOpEntry{}
	noop.SetTerm(ctx.term)
	if _, err := ctx.log.Append(noop); err != nil {
		raftLogger.Error().Err(err).Msg("failed to append leader no-op")
	}
	// With zero peers (a single-node cluster) no AppendResponse will ever
	// arrive to trigger recomputeCommit, so the no-op's own index must be
	// checked against quorum right here; with peers this is a no-op until
	// their responses land.
	l.recomputeCommit()

	l.s.startHeartbeat(l.onHeartbeat)
	l.s.startCompaction(l.onCompactTick)
	l.replicateAll()
}

func (l *leaderRole) leave() {
	l.s.stopTimers()
	l.s.ctx.cancelFutures(fmt.Errorf("raft: leadership lost"))
	l.replicators = nil
}

func (l *leaderRole) onHeartbeat() {
	if l.s.role != l {
		return
	}
	l.replicateAll()
}

func (l *leaderRole) replicateAll() {
	for _, r := range l.replicators {
		r.replicate(l.s)
	}
}

// onCompactTick runs the leader's background compaction pass, gated by
// globalIndex so it never rewrites an entry still needed by an in-flight
// replication.
// Minor compaction runs every tick; major compaction (merging multiple
// sealed segments) runs far less often since it is the more expensive
// rewrite.
func (l *leaderRole) onCompactTick() {
	if l.s.role != l {
		return
	}
	ctx := l.s.ctx
	if err := ctx.compactor.RunMinor(ctx.globalIndex); err != nil {
		raftLogger.Warn().Err(err).Msg("minor compaction failed")
	}
	l.compactTicks++
	if l.compactTicks%5 == 0 {
		if err := ctx.compactor.RunMajor(ctx.globalIndex); err != nil {
			raftLogger.Warn().Err(err).Msg("major compaction failed")
		}
	}
}

// onAppendResponse is called by the Server on the executor goroutine
// once a replicator's in-flight AppendRequest completes.
func (s *Server) onAppendResponse(r *replicator, resp *transport.AppendResponse) {
	if resp.Term > s.ctx.term {
		s.checkTerm(resp.Term)
		return
	}
	l, ok := s.role.(*leaderRole)
	if !ok {
		return
	}
	if resp.Success {
		if resp.LogIndex > r.matchIndex {
			r.matchIndex = resp.LogIndex
		}
		if r.matchIndex+1 > r.nextIndex {
			r.nextIndex = r.matchIndex + 1
		}
		l.recomputeCommit()
		if r.nextIndex <= s.ctx.log.LastIndex() {
			r.replicate(s) // more to send; pipeline immediately
		}
		return
	}
	if resp.LogIndex+1 < r.nextIndex {
		r.nextIndex = resp.LogIndex + 1
	} else if r.nextIndex > 1 {
		r.nextIndex--
	}
	r.replicate(s)
}

// onSnapshotResponse is called by the Server on the executor goroutine
// once a replicator's in-flight InstallSnapshotRequest completes: a
// successful install fast-forwards the peer's matchIndex/nextIndex to
// just past the snapshot, and normal pipelined replication resumes from
// there on the next tick.
func (s *Server) onSnapshotResponse(r *replicator, index uint64, resp *transport.InstallSnapshotResponse) {
	if resp.Term > s.ctx.term {
		s.checkTerm(resp.Term)
		return
	}
	l, ok := s.role.(*leaderRole)
	if !ok {
		return
	}
	if !resp.Success {
		return // retried on the next heartbeat tick
	}
	if index > r.matchIndex {
		r.matchIndex = index
	}
	if index+1 > r.nextIndex {
		r.nextIndex = index + 1
	}
	l.recomputeCommit()
}

func (l *leaderRole) recomputeCommit() {
	ctx := l.s.ctx
	candidate := quorumMatchIndex(ctx, l.replicators)
	if candidate > ctx.commitIndex {
		if term, ok := ctx.log.TermAt(candidate); ok && term == ctx.term {
			ctx.setCommitIndex(candidate)
		}
	}
	ctx.globalIndex = minMatchIndex(ctx, l.replicators)
}

// submit appends e to the log and registers a commitFuture that
// resolves once it (and everything before it) commits.
func (l *leaderRole) submit(e entry.Entry, apply func() (any, error)) *commitFuture {
	ctx := l.s.ctx
	e.SetTerm(ctx.term)
	idx, err := ctx.log.Append(e)
	if err != nil {
		f := &commitFuture{done: make(chan commitResult, 1)}
		f.complete(commitResult{err: err})
		return f
	}
	f := newCommitFuture(idx, futureCommand, apply)
	ctx.addFuture(f)
	l.recomputeCommit() // single-node case: no peer will ever ack this index
	l.replicateAll()
	return f
}

func (l *leaderRole) handleCommand(req *transport.CommandRequest) (*transport.CommandResponse, *commitFuture) {
	ctx := l.s.ctx
	now := nowMillis()
	e := &entry.CommandEntry{
		Session:   req.Session,
		Request:   req.Request,
		Response:  req.Response,
		Timestamp: now,
		Command:   req.Command,
	}
	if _, ok := ctx.sess.Get(req.Session); !ok {
		return &transport.CommandResponse{Error: transport.ErrUnknownSessionError, Leader: ctx.leader}, nil
	}
	fut := l.submit(e, func() (any, error) {
		return ctx.apply.Apply(e)
	})
	return nil, fut
}

func (l *leaderRole) handleQuery(req *transport.QueryRequest) (*transport.QueryResponse, *commitFuture) {
	ctx := l.s.ctx
	if _, ok := ctx.sess.Get(req.Session); !ok {
		return &transport.QueryResponse{Error: transport.ErrUnknownSessionError, Leader: ctx.leader}, nil
	}

	switch req.Consistency {
	case transport.LinearizableStrict:
		// Wait for the log's current tail to commit before answering,
		// guaranteeing every write acknowledged before this call was
		// seen. No entry is appended for this: the query rides the
		// existing commit barrier at the leader's current last index
		// rather than consuming a log slot of its own.
		return nil, l.awaitTailCommitted(func() (any, error) {
			return ctx.cfg.StateMachine.Query(req.Query)
		})

	case transport.LinearizableLease:
		// Answered locally when hasLeaseQuorum holds; otherwise this
		// falls back to the same commit-confirmed barrier as strict.
		if len(l.replicators) > 0 && !l.hasLeaseQuorum() {
			return nil, l.awaitTailCommitted(func() (any, error) {
				return ctx.cfg.StateMachine.Query(req.Query)
			})
		}
		result, err := ctx.cfg.StateMachine.Query(req.Query)
		return queryResponse(result, err, ctx.leader), nil

	default: // Serializable
		result, err := ctx.cfg.StateMachine.Query(req.Query)
		return queryResponse(result, err, ctx.leader), nil
	}
}

// awaitTailCommitted resolves apply once every entry up to the log's
// current last index has committed, or immediately, if it already has.
func (l *leaderRole) awaitTailCommitted(apply func() (any, error)) *commitFuture {
	ctx := l.s.ctx
	idx := ctx.log.LastIndex()
	f := newCommitFuture(idx, futureCommand, apply)
	if idx <= ctx.commitIndex {
		val, err := apply()
		f.complete(commitResult{value: val, err: err})
		return f
	}
	ctx.addFuture(f)
	return f
}

// hasLeaseQuorum is the cheap proxy this implementation uses for a
// leadership lease: counting itself, it reports whether a quorum of
// replicators (passive members included) has no AppendRequest in flight
// and a non-zero matchIndex. No ack timestamps are kept, so how long ago
// a peer last answered does not enter into it.
func (l *leaderRole) hasLeaseQuorum() bool {
	acked := 1 // self
	for _, r := range l.replicators {
		if !r.inFlight && r.matchIndex > 0 {
			acked++
		}
	}
	return acked >= l.s.ctx.view.Quorum()
}

func queryResponse(result []byte, err error, leader entry.Address) *transport.QueryResponse {
	if err != nil {
		return &transport.QueryResponse{Error: transport.ErrApplicationError, Leader: leader}
	}
	return &transport.QueryResponse{Result: result, Leader: leader}
}

func (l *leaderRole) handleRegister(req *transport.RegisterRequest) (*transport.RegisterResponse, *commitFuture) {
	ctx := l.s.ctx
	e := &entry.RegisterEntry{Member: req.Member, Timestamp: nowMillis()}
	fut := l.submit(e, func() (any, error) {
		res, err := ctx.apply.Apply(e)
		if err != nil {
			return nil, err
		}
		rr := res.(session.RegisterResult)
		resp := &transport.RegisterResponse{Session: rr.SessionID, Leader: ctx.leader}
		if rr.Config != nil {
			resp.Active = rr.Config.Active
			resp.Passive = rr.Config.Passive
		}
		return resp, nil
	})
	return nil, fut
}

func (l *leaderRole) handleKeepAlive(req *transport.KeepAliveRequest) (*transport.KeepAliveResponse, *commitFuture) {
	ctx := l.s.ctx
	if _, ok := ctx.sess.Get(req.Session); !ok {
		return &transport.KeepAliveResponse{Error: transport.ErrUnknownSessionError, Leader: ctx.leader}, nil
	}
	e := &entry.KeepAliveEntry{Session: req.Session, Timestamp: nowMillis()}
	fut := l.submit(e, func() (any, error) {
		return ctx.apply.Apply(e)
	})
	return nil, fut
}

func (l *leaderRole) handleJoin(req *transport.JoinRequest) (*transport.JoinResponse, *commitFuture) {
	if l.configPending {
		return &transport.JoinResponse{Error: transport.ErrCommandError, Leader: l.s.ctx.leader}, nil
	}
	cfg := l.s.ctx.view.ProposeJoin(req.Member)
	return nil, l.submitConfig(cfg)
}

func (l *leaderRole) handleLeave(req *transport.LeaveRequest) (*transport.LeaveResponse, *commitFuture) {
	if l.configPending {
		return &transport.LeaveResponse{Error: transport.ErrCommandError, Leader: l.s.ctx.leader}, nil
	}
	cfg := l.s.ctx.view.ProposeLeave(req.Member)
	return nil, l.submitConfig(cfg)
}

func (l *leaderRole) handlePromote(req *transport.PromoteRequest) (*transport.PromoteResponse, *commitFuture) {
	if l.configPending {
		return &transport.PromoteResponse{Error: transport.ErrCommandError, Leader: l.s.ctx.leader}, nil
	}
	cfg := l.s.ctx.view.ProposePromote(req.Member)
	return nil, l.submitConfig(cfg)
}

func (l *leaderRole) handleDemote(req *transport.DemoteRequest) (*transport.DemoteResponse, *commitFuture) {
	if l.configPending {
		return &transport.DemoteResponse{Error: transport.ErrCommandError, Leader: l.s.ctx.leader}, nil
	}
	cfg := l.s.ctx.view.ProposeDemote(req.Member)
	return nil, l.submitConfig(cfg)
}

// submitConfig appends a ConfigurationEntry and rebuilds the
// replicator set once it commits, releasing the one-change-at-a-time
// lock either way.
func (l *leaderRole) submitConfig(cfg *entry.ConfigurationEntry) *commitFuture {
	l.configPending = true
	ctx := l.s.ctx
	fut := l.submit(cfg, func() (any, error) {
		res, err := ctx.apply.Apply(cfg)
		l.reconcileReplicators()
		l.configPending = false
		return res, err
	})
	return fut
}

// reconcileReplicators adds a replicator for any newly active/passive
// member and drops one for any member no longer in the view.
func (l *leaderRole) reconcileReplicators() {
	ctx := l.s.ctx
	want := make(map[cluster.MemberID]entry.Address)
	for _, a := range ctx.view.ActiveMembers() {
		if a != ctx.self {
			want[cluster.MemberIDOf(a)] = a
		}
	}
	for _, a := range ctx.view.PassiveMembers() {
		want[cluster.MemberIDOf(a)] = a
	}
	for id, addr := range want {
		if _, ok := l.replicators[id]; !ok {
			l.replicators[id] = newReplicator(l.s, addr)
		}
	}
	for id := range l.replicators {
		if _, ok := want[id]; !ok {
			delete(l.replicators, id)
		}
	}
}

func (l *leaderRole) handleAppend(req *transport.AppendRequest) *transport.AppendResponse {
	// A higher term is handled by Server.checkTerm before this runs; an
	// equal-or-lower term from another self-proclaimed leader is stale.
	return &transport.AppendResponse{Term: l.s.ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
}

func (l *leaderRole) handleVote(req *transport.VoteRequest) *transport.VoteResponse {
	return &transport.VoteResponse{Term: l.s.ctx.term, Voted: false}
}

func (l *leaderRole) handlePoll(req *transport.PollRequest) *transport.PollResponse {
	ctx := l.s.ctx
	candidateID := cluster.MemberIDOf(req.Candidate)
	accepted := req.Term > ctx.term &&
		ctx.view.IsActive(candidateID) &&
		ctx.isUpToDate(req.LastLogTerm, req.LastLogIndex)
	return &transport.PollResponse{Term: ctx.term, Accepted: accepted}
}

// nowMillis stamps entries with the wall clock at submission time. Only
// the executor goroutine calls this, so it never races with itself, and
// every deterministic downstream decision (session expiry, TTL) keys off
// the stamped value on the entry rather than a clock read at apply time.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
