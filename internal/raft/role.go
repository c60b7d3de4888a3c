package raft

import "github.com/ctrimble/copycat/internal/transport"

// role is implemented by each of the four server states (Follower,
// Candidate, Leader, Passive) and dispatches
// every inbound RPC. All methods run on the server's executor goroutine;
// none may block on I/O directly (I/O happens in goroutines that post
// their completion back to the executor, e.g. the replicator).
//
// enter/leave bracket a role's lifetime: enter starts its timers and
// does whatever the state requires on becoming current (a Candidate
// starts an election, a Leader appends its NoOp); leave cancels timers
// and fails any work the role cannot finish.
type role interface {
	name() string
	enter()
	leave()

	handleAppend(req *transport.AppendRequest) *transport.AppendResponse
	handleVote(req *transport.VoteRequest) *transport.VoteResponse
	handlePoll(req *transport.PollRequest) *transport.PollResponse
	handleCommand(req *transport.CommandRequest) (*transport.CommandResponse, *commitFuture)
	handleQuery(req *transport.QueryRequest) (*transport.QueryResponse, *commitFuture)
	handleRegister(req *transport.RegisterRequest) (*transport.RegisterResponse, *commitFuture)
	handleKeepAlive(req *transport.KeepAliveRequest) (*transport.KeepAliveResponse, *commitFuture)
	handleJoin(req *transport.JoinRequest) (*transport.JoinResponse, *commitFuture)
	handleLeave(req *transport.LeaveRequest) (*transport.LeaveResponse, *commitFuture)
	handlePromote(req *transport.PromoteRequest) (*transport.PromoteResponse, *commitFuture)
	handleDemote(req *transport.DemoteRequest) (*transport.DemoteResponse, *commitFuture)
	handleInstallSnapshot(req *transport.InstallSnapshotRequest) *transport.InstallSnapshotResponse
}

// baseRole implements every role method as a rejection: client RPCs get
// NO_LEADER with the last known leader, appends and snapshot installs
// get ILLEGAL_MEMBER_STATE, and votes and polls are refused. Each
// concrete role embeds it and overrides only the handlers that apply to
// that state.
type baseRole struct{ s *Server }

func (b baseRole) name() string { return "base" }
func (baseRole) enter()         {}
func (baseRole) leave()         {}

func (b baseRole) handleAppend(req *transport.AppendRequest) *transport.AppendResponse {
	return &transport.AppendResponse{Term: b.s.ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
}

func (b baseRole) handleVote(req *transport.VoteRequest) *transport.VoteResponse {
	return &transport.VoteResponse{Term: b.s.ctx.term, Voted: false}
}

func (b baseRole) handlePoll(req *transport.PollRequest) *transport.PollResponse {
	return &transport.PollResponse{Term: b.s.ctx.term, Accepted: false}
}

func (b baseRole) handleCommand(req *transport.CommandRequest) (*transport.CommandResponse, *commitFuture) {
	return &transport.CommandResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleQuery(req *transport.QueryRequest) (*transport.QueryResponse, *commitFuture) {
	return &transport.QueryResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleRegister(req *transport.RegisterRequest) (*transport.RegisterResponse, *commitFuture) {
	return &transport.RegisterResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleKeepAlive(req *transport.KeepAliveRequest) (*transport.KeepAliveResponse, *commitFuture) {
	return &transport.KeepAliveResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleJoin(req *transport.JoinRequest) (*transport.JoinResponse, *commitFuture) {
	return &transport.JoinResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleLeave(req *transport.LeaveRequest) (*transport.LeaveResponse, *commitFuture) {
	return &transport.LeaveResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handlePromote(req *transport.PromoteRequest) (*transport.PromoteResponse, *commitFuture) {
	return &transport.PromoteResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleDemote(req *transport.DemoteRequest) (*transport.DemoteResponse, *commitFuture) {
	return &transport.DemoteResponse{Error: transport.ErrNoLeader, Leader: b.s.ctx.leader}, nil
}

func (b baseRole) handleInstallSnapshot(req *transport.InstallSnapshotRequest) *transport.InstallSnapshotResponse {
	return &transport.InstallSnapshotResponse{Term: b.s.ctx.term, Success: false, Error: transport.ErrIllegalMemberState}
}
