package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
)

type stubHandler struct {
	lastAppend *AppendRequest
}

func (s *stubHandler) HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	s.lastAppend = req
	return &AppendResponse{Term: req.Term, Success: true, LogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}
func (s *stubHandler) HandleVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	return &VoteResponse{Term: req.Term, Voted: true}, nil
}
func (s *stubHandler) HandlePoll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	return &PollResponse{Term: req.Term, Accepted: true}, nil
}
func (s *stubHandler) HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return &CommandResponse{Result: req.Command}, nil
}
func (s *stubHandler) HandleQuery(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	return &QueryResponse{Result: req.Query}, nil
}
func (s *stubHandler) HandleRegister(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	return &RegisterResponse{Session: 7}, nil
}
func (s *stubHandler) HandleKeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error) {
	return &KeepAliveResponse{}, nil
}
func (s *stubHandler) HandleJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	return &JoinResponse{}, nil
}
func (s *stubHandler) HandleLeave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	return &LeaveResponse{}, nil
}
func (s *stubHandler) HandlePromote(ctx context.Context, req *PromoteRequest) (*PromoteResponse, error) {
	return &PromoteResponse{}, nil
}
func (s *stubHandler) HandleDemote(ctx context.Context, req *DemoteRequest) (*DemoteResponse, error) {
	return &DemoteResponse{}, nil
}
func (s *stubHandler) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return &InstallSnapshotResponse{Term: req.Term, Success: true}, nil
}

func TestInProcessRoutesToServedHandler(t *testing.T) {
	tr := NewInProcess()
	self := entry.Address{Host: "node-1", Port: 1}
	h := &stubHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Serve(ctx, self, h)

	// Serve registers synchronously before the goroutine blocks on
	// ctx.Done, but give it a moment under -race.
	require.Eventually(t, func() bool {
		_, err := tr.Peer(self).(*inprocessPeer).handler()
		return err == nil
	}, time.Second, time.Millisecond)

	resp, err := tr.Peer(self).Vote(context.Background(), &VoteRequest{Term: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.Term)
	assert.True(t, resp.Voted)
}

func TestInProcessPeerErrorsWhenUnserved(t *testing.T) {
	tr := NewInProcess()
	_, err := tr.Peer(entry.Address{Host: "ghost", Port: 1}).Vote(context.Background(), &VoteRequest{})
	assert.Error(t, err)
}

func TestInProcessServeRemovesHandlerOnCancel(t *testing.T) {
	tr := NewInProcess()
	self := entry.Address{Host: "node-1", Port: 2}
	h := &stubHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Serve(ctx, self, h)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := tr.Peer(self).(*inprocessPeer).handler()
		return err == nil
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	_, err := tr.Peer(self).(*inprocessPeer).handler()
	assert.Error(t, err)
}

func TestInProcessAppendRoundTrip(t *testing.T) {
	tr := NewInProcess()
	self := entry.Address{Host: "node-1", Port: 3}
	h := &stubHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Serve(ctx, self, h)

	require.Eventually(t, func() bool {
		_, err := tr.Peer(self).(*inprocessPeer).handler()
		return err == nil
	}, time.Second, time.Millisecond)

	req := &AppendRequest{Term: 1, PrevLogIndex: 5, Entries: [][]byte{{1}, {2}}}
	resp, err := tr.Peer(self).Append(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(7), resp.LogIndex)
	assert.Equal(t, req, h.lastAppend)
}
