package raft

import (
	"context"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
	"github.com/ctrimble/copycat/pkg/metrics"
)

type electionPhase int

const (
	phasePoll electionPhase = iota
	phaseVote
)

// candidateRole runs a pre-vote probe before ever bumping the term: a
// PollRequest at the prospective term+1 must reach quorum acceptance
// before the candidate actually increments its term and solicits real
// votes. This keeps a partitioned server that keeps timing out from
// burning through terms nobody will ever grant it: it can never get
// a quorum of polls accepted, so it never advances past a no-op probe.
type candidateRole struct {
	baseRole
	phase        electionPhase
	votesFor     int
	votesAgainst int
	responded    map[cluster.MemberID]bool
	generation   uint64 // guards against a stale round's late responses
}

func (c *candidateRole) name() string { return "candidate" }

func (c *candidateRole) enter() {
	c.generation++
	gen := c.generation
	c.s.resetElectionTimer(func() { c.onElectionTimeout(gen) })
	c.startPoll(gen)
}

func (c *candidateRole) leave() {}

func (c *candidateRole) onElectionTimeout(gen uint64) {
	if c.s.role != c || gen != c.generation {
		return
	}
	// Neither phase reached quorum within the timeout; restart the
	// whole probe-then-elect sequence fresh.
	c.enter()
}

func (c *candidateRole) startPoll(gen uint64) {
	ctx := c.s.ctx
	c.phase = phasePoll
	c.votesFor = 1 // self
	c.votesAgainst = 0
	c.responded = map[cluster.MemberID]bool{ctx.selfID: true}

	// A single-node cluster (quorum == 1) is already self-satisfied; no
	// peer will ever reply to advance the phase, so check right away
	// instead of only from onPollResponse.
	if c.votesFor >= ctx.view.Quorum() {
		c.startElection(gen)
		return
	}

	req := &transport.PollRequest{
		Term:         ctx.term + 1,
		Candidate:    ctx.self,
		LastLogIndex: ctx.lastLogIndex(),
		LastLogTerm:  ctx.lastLogTerm(),
	}
	for _, addr := range ctx.view.ActiveMembers() {
		if addr == ctx.self {
			continue
		}
		addr := addr
		peer := ctx.cfg.Transport.Peer(addr)
		go func() {
			rpcCtx, cancel := context.WithTimeout(context.Background(), ctx.cfg.ElectionTimeout)
			defer cancel()
			resp, err := peer.Poll(rpcCtx, req)
			if err != nil {
				return
			}
			c.s.exec.post(func() { c.onPollResponse(gen, addr, resp) })
		}()
	}
}

func (c *candidateRole) onPollResponse(gen uint64, from entry.Address, resp *transport.PollResponse) {
	if c.s.role != c || gen != c.generation || c.phase != phasePoll {
		return
	}
	ctx := c.s.ctx
	id := cluster.MemberIDOf(from)
	if c.responded[id] {
		return
	}
	c.responded[id] = true

	if resp.Accepted {
		c.votesFor++
	} else {
		c.votesAgainst++
	}

	quorum := ctx.view.Quorum()
	if c.votesFor >= quorum {
		c.startElection(gen)
	}
	// A majority rejecting the poll just means waiting for the election
	// timeout to retry; no point re-polling immediately.
}

func (c *candidateRole) startElection(gen uint64) {
	ctx := c.s.ctx
	if err := ctx.setTerm(ctx.term + 1); err != nil {
		raftLogger.Error().Err(err).Msg("failed to persist term bump on election")
	}
	if err := ctx.recordVote(ctx.selfID); err != nil {
		raftLogger.Error().Err(err).Msg("failed to persist self-vote")
	}
	metrics.RaftElectionsTotal.Inc()

	c.phase = phaseVote
	c.votesFor = 1
	c.votesAgainst = 0
	c.responded = map[cluster.MemberID]bool{ctx.selfID: true}

	// Same single-node shortcut as startPoll: with quorum == 1 the
	// self-vote already wins and no VoteResponse will ever arrive to
	// drive the transition.
	if c.votesFor >= ctx.view.Quorum() {
		c.s.transitionTo(&leaderRole{baseRole: baseRole{s: c.s}})
		return
	}

	req := &transport.VoteRequest{
		Term:         ctx.term,
		Candidate:    ctx.self,
		LastLogIndex: ctx.lastLogIndex(),
		LastLogTerm:  ctx.lastLogTerm(),
	}
	for _, addr := range ctx.view.ActiveMembers() {
		if addr == ctx.self {
			continue
		}
		addr := addr
		peer := ctx.cfg.Transport.Peer(addr)
		go func() {
			rpcCtx, cancel := context.WithTimeout(context.Background(), ctx.cfg.ElectionTimeout)
			defer cancel()
			resp, err := peer.Vote(rpcCtx, req)
			if err != nil {
				return
			}
			c.s.exec.post(func() { c.onVoteResponse(gen, addr, resp) })
		}()
	}
}

func (c *candidateRole) onVoteResponse(gen uint64, from entry.Address, resp *transport.VoteResponse) {
	if c.s.role != c || gen != c.generation || c.phase != phaseVote {
		return
	}
	ctx := c.s.ctx
	if resp.Term > ctx.term {
		c.s.checkTerm(resp.Term)
		return
	}
	id := cluster.MemberIDOf(from)
	if c.responded[id] {
		return
	}
	c.responded[id] = true

	if resp.Voted {
		c.votesFor++
	} else {
		c.votesAgainst++
	}

	quorum := ctx.view.Quorum()
	if c.votesFor >= quorum {
		c.s.transitionTo(&leaderRole{baseRole: baseRole{s: c.s}})
	}
	// A majority rejecting leaves the candidate waiting for the election
	// timeout, same as an unsuccessful poll.
}

// handleAppend: a valid AppendRequest at term >= currentTerm from a
// legitimate leader means an election lost; step down to Follower and
// let it process the append.
func (c *candidateRole) handleAppend(req *transport.AppendRequest) *transport.AppendResponse {
	if req.Term < c.s.ctx.term {
		return &transport.AppendResponse{Term: c.s.ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
	}
	f := &followerRole{baseRole: baseRole{s: c.s}}
	c.s.transitionTo(f)
	return f.handleAppend(req)
}

func (c *candidateRole) handleVote(req *transport.VoteRequest) *transport.VoteResponse {
	// Already cast its own vote for this term (or hasn't bumped the term
	// yet, during the poll phase); never grants another candidate's
	// request while it is itself running.
	return &transport.VoteResponse{Term: c.s.ctx.term, Voted: false}
}

func (c *candidateRole) handlePoll(req *transport.PollRequest) *transport.PollResponse {
	ctx := c.s.ctx
	candidateID := cluster.MemberIDOf(req.Candidate)
	accepted := req.Term >= ctx.term &&
		ctx.view.IsActive(candidateID) &&
		ctx.isUpToDate(req.LastLogTerm, req.LastLogIndex)
	return &transport.PollResponse{Term: ctx.term, Accepted: accepted}
}
