package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ctrimble/copycat/internal/entry"
)

// InProcess is a Transport backed by a shared registry of Handlers keyed
// by address, with no network I/O at all; every call is a direct
// function invocation into the target's Handler. Used for single-node
// deployments and for exercising raft role logic in tests without
// standing up real listeners.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[entry.Address]Handler
}

// NewInProcess returns an empty in-process transport registry. Multiple
// Server instances in the same test share one *InProcess to reach each
// other.
func NewInProcess() *InProcess {
	return &InProcess{handlers: make(map[entry.Address]Handler)}
}

// Serve registers h as self's handler until ctx is canceled, at which
// point it is removed.
func (t *InProcess) Serve(ctx context.Context, self entry.Address, h Handler) error {
	t.mu.Lock()
	t.handlers[self] = h
	t.mu.Unlock()

	<-ctx.Done()

	t.mu.Lock()
	delete(t.handlers, self)
	t.mu.Unlock()
	return ctx.Err()
}

// Peer returns a Peer bound to addr. The returned Peer looks up addr's
// Handler lazily on every call, so it tolerates addr not being served
// yet (or no longer being served, in which case calls fail).
func (t *InProcess) Peer(addr entry.Address) Peer {
	return &inprocessPeer{t: t, addr: addr}
}

type inprocessPeer struct {
	t    *InProcess
	addr entry.Address
}

func (p *inprocessPeer) handler() (Handler, error) {
	p.t.mu.RLock()
	defer p.t.mu.RUnlock()
	h, ok := p.t.handlers[p.addr]
	if !ok {
		return nil, fmt.Errorf("transport: no handler served for %s", p.addr)
	}
	return h, nil
}

func (p *inprocessPeer) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleAppend(ctx, req)
}

func (p *inprocessPeer) Vote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleVote(ctx, req)
}

func (p *inprocessPeer) Poll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandlePoll(ctx, req)
}

func (p *inprocessPeer) Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleCommand(ctx, req)
}

func (p *inprocessPeer) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleQuery(ctx, req)
}

func (p *inprocessPeer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleRegister(ctx, req)
}

func (p *inprocessPeer) KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleKeepAlive(ctx, req)
}

func (p *inprocessPeer) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleJoin(ctx, req)
}

func (p *inprocessPeer) Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleLeave(ctx, req)
}

func (p *inprocessPeer) Promote(ctx context.Context, req *PromoteRequest) (*PromoteResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandlePromote(ctx, req)
}

func (p *inprocessPeer) Demote(ctx context.Context, req *DemoteRequest) (*DemoteResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleDemote(ctx, req)
}

func (p *inprocessPeer) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}
