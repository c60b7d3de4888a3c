package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	storagelog "github.com/ctrimble/copycat/internal/storage/log"
	"github.com/ctrimble/copycat/internal/transport"
	copylog "github.com/ctrimble/copycat/pkg/log"
	"github.com/ctrimble/copycat/pkg/metrics"
	"github.com/ctrimble/copycat/pkg/storage"
)

var raftLogger = copylog.WithComponent("raft")

// Server owns one raft server's executor, context, and current role, and
// is the transport.Handler every inbound RPC is dispatched to. Every
// Handle* method posts onto the executor before touching ctx or role,
// the one rule the whole protocol rests on.
type Server struct {
	ctx  *raftContext
	exec *executor

	role role

	electionTimer *time.Timer
	heartbeat     *time.Ticker
	heartbeatStop chan struct{}
	compactTick   *time.Ticker
	compactStop   chan struct{}

	runCancel context.CancelFunc
}

// New opens the log and meta store under cfg.StorageDirectory, builds a
// context, and returns a Server in the Follower role, or the Passive
// role, if self is listed only among the passive members of a persisted
// configuration. The caller must call Start to begin serving.
func New(cfg Config) (*Server, error) {
	cfg = fillDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	meta, err := storage.Open(cfg.StorageDirectory)
	if err != nil {
		return nil, err
	}

	segCfg := storagelog.Config{
		MaxEntrySize:   cfg.MaxEntrySize,
		MaxSegmentSize: cfg.MaxSegmentSize,
		MaxEntries:     cfg.MaxEntriesPerSeg,
	}
	l, err := storagelog.Open(cfg.StorageDirectory, cfg.LogName, segCfg, nil)
	if err != nil {
		meta.Close()
		return nil, err
	}

	c, err := newContext(cfg, l, meta)
	if err != nil {
		l.Close()
		meta.Close()
		return nil, err
	}

	s := &Server{ctx: c, exec: newExecutor()}
	if c.view.IsPassive(c.selfID) {
		s.role = &passiveRole{baseRole: baseRole{s: s}}
	} else {
		s.role = &followerRole{baseRole: baseRole{s: s}}
	}
	return s, nil
}

func fillDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = d.ElectionTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = d.SessionTimeout
	}
	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = d.MaxEntrySize
	}
	if cfg.MaxSegmentSize == 0 {
		cfg.MaxSegmentSize = d.MaxSegmentSize
	}
	if cfg.MaxEntriesPerSeg == 0 {
		cfg.MaxEntriesPerSeg = d.MaxEntriesPerSeg
	}
	if cfg.LogName == "" {
		cfg.LogName = d.LogName
	}
	if cfg.CompactionInterval == 0 {
		cfg.CompactionInterval = d.CompactionInterval
	}
	return cfg
}

// Start registers the server with its transport and begins its current
// role's timers. It blocks until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.exec.call(func() {
		s.runCancel = cancel
		s.role.enter()
	})
	err := s.ctx.cfg.Transport.Serve(runCtx, s.ctx.self, s)
	s.exec.call(func() { s.role.leave() })
	return err
}

// Stop cancels Start's context and closes the executor and storage.
func (s *Server) Stop() {
	s.exec.call(func() {
		if s.runCancel != nil {
			s.runCancel()
		}
		s.ctx.cancelFutures(fmt.Errorf("raft: server stopped"))
	})
	s.exec.close()
	s.ctx.log.Close()
	s.ctx.meta.Close()
}

// Self returns the server's own address.
func (s *Server) Self() entry.Address { return s.ctx.self }

// Term returns the server's current term. Safe to call concurrently;
// reads happen on the executor to avoid a data race with role methods.
func (s *Server) Term() uint64 {
	var t uint64
	s.exec.call(func() { t = s.ctx.term })
	return t
}

// Leader returns the address of the server's current leader hint, which
// may be stale or empty.
func (s *Server) Leader() entry.Address {
	var l entry.Address
	s.exec.call(func() { l = s.ctx.leader })
	return l
}

// RoleName returns the name of the server's current role, for
// introspection/status endpoints.
func (s *Server) RoleName() string {
	var n string
	s.exec.call(func() { n = s.role.name() })
	return n
}

// View exposes the cluster membership view, read-safe without going
// through the executor (View itself is internally synchronized).
func (s *Server) View() *cluster.View { return s.ctx.view }

// checkTerm implements the term/leader tracking rule shared by every
// role: any request carrying a newer term forces a step-down to
// Follower (unless this server is Passive, which never contests
// elections, or already caught up). Must only be called from the
// executor goroutine.
func (s *Server) checkTerm(term uint64) {
	if term <= s.ctx.term {
		return
	}
	if err := s.ctx.setTerm(term); err != nil {
		raftLogger.Error().Err(err).Msg("failed to persist term bump")
	}
	s.ctx.leader = entry.Address{}
	if _, ok := s.role.(*passiveRole); ok {
		return
	}
	s.transitionTo(&followerRole{baseRole: baseRole{s: s}})
}

// transitionTo tears down the current role and enters next, both on the
// executor goroutine.
func (s *Server) transitionTo(next role) {
	s.stopTimers()
	s.role.leave()
	s.role = next
	raftLogger.Info().
		Uint64("term", s.ctx.term).Str("role", next.name()).Msg("role transition")
	metrics.RaftIsLeader.Set(boolToFloat(next.name() == "leader"))
	next.enter()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Server) stopTimers() {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
		s.electionTimer = nil
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	if s.compactTick != nil {
		s.compactTick.Stop()
		s.compactTick = nil
	}
	if s.compactStop != nil {
		close(s.compactStop)
		s.compactStop = nil
	}
}

// resetElectionTimer (re)schedules the election timeout, posting the
// timeout callback back onto the executor so it runs under the same
// single-threaded discipline as everything else.
func (s *Server) resetElectionTimer(onExpire func()) {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}
	d := s.ctx.randomElectionTimeout()
	s.electionTimer = time.AfterFunc(d, func() {
		s.exec.post(onExpire)
	})
}

// startHeartbeat runs fn on the executor every HeartbeatInterval until
// the role is left.
func (s *Server) startHeartbeat(fn func()) {
	s.heartbeat = time.NewTicker(s.ctx.cfg.HeartbeatInterval)
	s.heartbeatStop = make(chan struct{})
	ticker, stop := s.heartbeat, s.heartbeatStop
	go func() {
		for {
			select {
			case <-ticker.C:
				s.exec.post(fn)
			case <-stop:
				return
			}
		}
	}()
}

// startCompaction runs fn on the executor every CompactionInterval until
// the role is left.
func (s *Server) startCompaction(fn func()) {
	s.compactTick = time.NewTicker(s.ctx.cfg.CompactionInterval)
	ticker, stop := s.compactTick, make(chan struct{})
	s.compactStop = stop
	go func() {
		for {
			select {
			case <-ticker.C:
				s.exec.post(fn)
			case <-stop:
				return
			}
		}
	}()
}

// --- transport.Handler ---

func (s *Server) HandleAppend(ctx context.Context, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	var resp *transport.AppendResponse
	s.exec.call(func() {
		s.checkTerm(req.Term)
		resp = s.role.handleAppend(req)
	})
	return resp, nil
}

func (s *Server) HandleVote(ctx context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	var resp *transport.VoteResponse
	s.exec.call(func() {
		s.checkTerm(req.Term)
		resp = s.role.handleVote(req)
	})
	return resp, nil
}

func (s *Server) HandlePoll(ctx context.Context, req *transport.PollRequest) (*transport.PollResponse, error) {
	var resp *transport.PollResponse
	s.exec.call(func() {
		// Poll never advances term.
		resp = s.role.handlePoll(req)
	})
	return resp, nil
}

func (s *Server) HandleCommand(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
	var (
		resp *transport.CommandResponse
		fut  *commitFuture
	)
	s.exec.call(func() { resp, fut = s.role.handleCommand(req) })
	if fut == nil {
		return resp, nil
	}
	return awaitCommand(ctx, fut)
}

func (s *Server) HandleQuery(ctx context.Context, req *transport.QueryRequest) (*transport.QueryResponse, error) {
	var (
		resp *transport.QueryResponse
		fut  *commitFuture
	)
	s.exec.call(func() { resp, fut = s.role.handleQuery(req) })
	if fut == nil {
		return resp, nil
	}
	select {
	case res := <-fut.done:
		if res.err != nil {
			return &transport.QueryResponse{Error: translateError(res.err)}, nil
		}
		result, _ := res.value.([]byte)
		return &transport.QueryResponse{Result: result}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) HandleRegister(ctx context.Context, req *transport.RegisterRequest) (*transport.RegisterResponse, error) {
	var (
		resp *transport.RegisterResponse
		fut  *commitFuture
	)
	s.exec.call(func() { resp, fut = s.role.handleRegister(req) })
	if fut == nil {
		return resp, nil
	}
	select {
	case res := <-fut.done:
		if res.err != nil {
			return &transport.RegisterResponse{Error: translateError(res.err)}, nil
		}
		rr, _ := res.value.(*transport.RegisterResponse)
		return rr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) HandleKeepAlive(ctx context.Context, req *transport.KeepAliveRequest) (*transport.KeepAliveResponse, error) {
	var (
		resp *transport.KeepAliveResponse
		fut  *commitFuture
	)
	s.exec.call(func() { resp, fut = s.role.handleKeepAlive(req) })
	if fut == nil {
		return resp, nil
	}
	select {
	case res := <-fut.done:
		if res.err != nil {
			return &transport.KeepAliveResponse{Error: translateError(res.err)}, nil
		}
		return &transport.KeepAliveResponse{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) HandleJoin(ctx context.Context, req *transport.JoinRequest) (*transport.JoinResponse, error) {
	return awaitMembership(ctx, s, func() (*transport.JoinResponse, *commitFuture) { return s.role.handleJoin(req) },
		func(err error) *transport.JoinResponse { return &transport.JoinResponse{Error: translateError(err)} })
}

func (s *Server) HandleLeave(ctx context.Context, req *transport.LeaveRequest) (*transport.LeaveResponse, error) {
	return awaitMembership(ctx, s, func() (*transport.LeaveResponse, *commitFuture) { return s.role.handleLeave(req) },
		func(err error) *transport.LeaveResponse { return &transport.LeaveResponse{Error: translateError(err)} })
}

func (s *Server) HandlePromote(ctx context.Context, req *transport.PromoteRequest) (*transport.PromoteResponse, error) {
	return awaitMembership(ctx, s, func() (*transport.PromoteResponse, *commitFuture) { return s.role.handlePromote(req) },
		func(err error) *transport.PromoteResponse { return &transport.PromoteResponse{Error: translateError(err)} })
}

func (s *Server) HandleDemote(ctx context.Context, req *transport.DemoteRequest) (*transport.DemoteResponse, error) {
	return awaitMembership(ctx, s, func() (*transport.DemoteResponse, *commitFuture) { return s.role.handleDemote(req) },
		func(err error) *transport.DemoteResponse { return &transport.DemoteResponse{Error: translateError(err)} })
}

func (s *Server) HandleInstallSnapshot(ctx context.Context, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	var resp *transport.InstallSnapshotResponse
	s.exec.call(func() {
		s.checkTerm(req.Term)
		resp = s.role.handleInstallSnapshot(req)
	})
	return resp, nil
}

func awaitCommand(ctx context.Context, fut *commitFuture) (*transport.CommandResponse, error) {
	select {
	case res := <-fut.done:
		if res.err != nil {
			return &transport.CommandResponse{Error: translateError(res.err)}, nil
		}
		result, _ := res.value.([]byte)
		return &transport.CommandResponse{Result: result}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitMembership is the shared wait pattern for the four membership RPCs:
// call fn on the executor, and if it returned a future (the change was
// appended and is awaiting commit) block for its result.
func awaitMembership[Resp any](ctx context.Context, s *Server, fn func() (*Resp, *commitFuture), onErr func(error) *Resp) (*Resp, error) {
	var (
		resp *Resp
		fut  *commitFuture
	)
	s.exec.call(func() { resp, fut = fn() })
	if fut == nil {
		return resp, nil
	}
	select {
	case res := <-fut.done:
		return onErr(res.err), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
