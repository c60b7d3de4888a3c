package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
	storagelog "github.com/ctrimble/copycat/internal/storage/log"
	"github.com/ctrimble/copycat/internal/session"
	"github.com/ctrimble/copycat/internal/transport"
)

// mapMachine is a trivial StateMachine used only to exercise command and
// query dispatch through the raft protocol; it mirrors the shape of
// examples/kvstore's replicated map without any TTL logic.
type mapMachine struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapMachine() *mapMachine { return &mapMachine{data: make(map[string]string)} }

func (m *mapMachine) Apply(now int64, cmd []byte) ([]byte, error) {
	parts := splitCommand(cmd)
	if len(parts) != 2 {
		return nil, fmt.Errorf("mapMachine: malformed command %q", cmd)
	}
	m.mu.Lock()
	m.data[parts[0]] = parts[1]
	m.mu.Unlock()
	return []byte("ok"), nil
}

func (m *mapMachine) Query(q []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte(m.data[string(q)]), nil
}

func (m *mapMachine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.data)
}

func (m *mapMachine) Restore(data []byte) error {
	restored := make(map[string]string)
	if err := json.Unmarshal(data, &restored); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = restored
	m.mu.Unlock()
	return nil
}

func splitCommand(cmd []byte) []string {
	s := string(cmd)
	for i, c := range s {
		if c == '=' {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

// newTestCluster builds n Servers sharing one InProcess transport, each
// with its own temp storage directory, configured with short timeouts so
// elections settle quickly under `go test`.
func newTestCluster(t *testing.T, n int) ([]*Server, []entry.Address, transport.Transport, func()) {
	t.Helper()
	tr := transport.NewInProcess()
	addrs := make([]entry.Address, n)
	for i := range addrs {
		addrs[i] = entry.Address{Host: "node", Port: i + 1}
	}

	servers := make([]*Server, n)
	for i := range servers {
		cfg := Config{
			Self:              addrs[i],
			Members:           addrs,
			StorageDirectory:  t.TempDir(),
			ElectionTimeout:   60 * time.Millisecond,
			HeartbeatInterval: 15 * time.Millisecond,
			SessionTimeout:    time.Second,
			Transport:         tr,
			StateMachine:      newMapMachine(),
		}
		s, err := New(cfg)
		require.NoError(t, err)
		servers[i] = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Start(ctx)
		}()
	}

	stop := func() {
		cancel()
		wg.Wait()
	}
	return servers, addrs, tr, stop
}

func waitForLeader(t *testing.T, servers []*Server, timeout time.Duration) *Server {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range servers {
			if s.RoleName() == "leader" {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	servers, _, _, stop := newTestCluster(t, 3)
	defer stop()

	leader := waitForLeader(t, servers, time.Second)
	require.NotNil(t, leader)

	leaders := 0
	for _, s := range servers {
		if s.RoleName() == "leader" {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestCommandReplicatesAndApplies(t *testing.T) {
	servers, _, tr, stop := newTestCluster(t, 3)
	defer stop()

	leader := waitForLeader(t, servers, time.Second)
	peer := tr.Peer(leader.Self())

	regCtx, regCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer regCancel()
	regResp, err := peer.Register(regCtx, &transport.RegisterRequest{Member: leader.Self()})
	require.NoError(t, err)
	require.Empty(t, regResp.Error)

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cmdCancel()
	cmdResp, err := peer.Command(cmdCtx, &transport.CommandRequest{
		Session: regResp.Session,
		Request: 1,
		Command: []byte("foo=bar"),
	})
	require.NoError(t, err)
	require.Empty(t, cmdResp.Error)
	require.Equal(t, "ok", string(cmdResp.Result))

	queryCtx, queryCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer queryCancel()
	queryResp, err := peer.Query(queryCtx, &transport.QueryRequest{
		Session:     regResp.Session,
		Consistency: transport.LinearizableStrict,
		Query:       []byte("foo"),
	})
	require.NoError(t, err)
	require.Empty(t, queryResp.Error)
	require.Equal(t, "bar", string(queryResp.Result))
}

func TestCommandRejectsUnknownSession(t *testing.T) {
	servers, _, tr, stop := newTestCluster(t, 3)
	defer stop()

	leader := waitForLeader(t, servers, time.Second)
	peer := tr.Peer(leader.Self())

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cmdCancel()
	resp, err := peer.Command(cmdCtx, &transport.CommandRequest{Session: 999, Request: 1, Command: []byte("foo=bar")})
	require.NoError(t, err)
	require.Equal(t, transport.ErrUnknownSessionError, resp.Error)
}

// TestInstallSnapshotReplacesStateAndLog exercises the receiving side
// of a snapshot install directly against installSnapshot, without a
// full cluster: a follower whose log holds nothing restores a
// leader's snapshot and must report the right last-log index/term and
// serve the restored state immediately.
func TestInstallSnapshotReplacesStateAndLog(t *testing.T) {
	l, err := storagelog.Open(t.TempDir(), "test", storagelog.Config{
		MaxEntrySize: 1024, MaxSegmentSize: 4096, MaxEntries: 4,
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	sm := newMapMachine()
	sm.data["foo"] = "bar"
	snapshotData, err := sm.Snapshot()
	require.NoError(t, err)

	receiver := newMapMachine()
	sess := session.NewRegistry(time.Second.Milliseconds())
	ctx := &raftContext{
		term:  2,
		log:   l,
		apply: session.NewExecutor(receiver, sess, nil),
	}

	leaderAddr := entry.Address{Host: "leader", Port: 1}
	resp := installSnapshot(ctx, &transport.InstallSnapshotRequest{
		Term:         2,
		Leader:       leaderAddr,
		Index:        50,
		SnapshotTerm: 1,
		Data:         snapshotData,
	})

	require.True(t, resp.Success)
	assert.Equal(t, leaderAddr, ctx.leader)
	assert.Equal(t, uint64(50), ctx.commitIndex)
	assert.Equal(t, uint64(50), ctx.log.LastIndex())
	assert.Equal(t, uint64(1), ctx.log.LastTerm())
	assert.Equal(t, uint64(50), ctx.apply.LastApplied())

	result, err := receiver.Query([]byte("foo"))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(result))
}

// TestInstallSnapshotRejectsStaleTerm mirrors appendEntries' stale-term
// rejection: a leader from an old term cannot force a snapshot onto a
// server that has already moved on.
func TestInstallSnapshotRejectsStaleTerm(t *testing.T) {
	ctx := &raftContext{term: 5}
	resp := installSnapshot(ctx, &transport.InstallSnapshotRequest{Term: 3})
	assert.False(t, resp.Success)
	assert.Equal(t, transport.ErrIllegalMemberState, resp.Error)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestBaseRoleRejectsClientRPCsWithNoLeader(t *testing.T) {
	s := &Server{ctx: &raftContext{term: 7, leader: entry.Address{Host: "stale", Port: 1}}}
	b := baseRole{s: s}

	resp, fut := b.handleRegister(&transport.RegisterRequest{})
	require.Nil(t, fut)
	require.Equal(t, transport.ErrNoLeader, resp.Error)
	require.Equal(t, s.ctx.leader, resp.Leader)

	voteResp := b.handleVote(&transport.VoteRequest{})
	require.False(t, voteResp.Voted)
	require.Equal(t, uint64(7), voteResp.Term)
}

// TestSingleNodeClusterCommitsWithoutPeers: on a one-member cluster,
// commitIndex must advance past the leader's own no-op (index 1), the
// session registration (index 2), and the command (index 3) even though
// no peer ever acknowledges an AppendRequest to trigger recomputeCommit.
func TestSingleNodeClusterCommitsWithoutPeers(t *testing.T) {
	servers, addrs, tr, stop := newTestCluster(t, 1)
	defer stop()

	leader := waitForLeader(t, servers, time.Second)
	peer := tr.Peer(addrs[0])

	regCtx, regCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer regCancel()
	reg, err := peer.Register(regCtx, &transport.RegisterRequest{Member: addrs[0]})
	require.NoError(t, err)
	require.Empty(t, reg.Error)

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cmdCancel()
	cmdResp, err := peer.Command(cmdCtx, &transport.CommandRequest{
		Session: reg.Session, Request: 1, Command: []byte("foo=bar"),
	})
	require.NoError(t, err)
	require.Empty(t, cmdResp.Error)
	require.Equal(t, "ok", string(cmdResp.Result))

	var commitIndex uint64
	leader.exec.call(func() { commitIndex = leader.ctx.commitIndex })
	assert.Equal(t, uint64(3), commitIndex)

	queryCtx, queryCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer queryCancel()
	queryResp, err := peer.Query(queryCtx, &transport.QueryRequest{
		Session: reg.Session, Consistency: transport.Serializable, Query: []byte("foo"),
	})
	require.NoError(t, err)
	assert.Equal(t, "bar", string(queryResp.Result))
}

// TestLeaderRunsBackgroundCompaction: on a single-node cluster every
// append commits immediately, so globalIndex tracks lastIndex and a
// short
// CompactionInterval must eventually seal and rewrite a full segment.
func TestLeaderRunsBackgroundCompaction(t *testing.T) {
	tr := transport.NewInProcess()
	addr := entry.Address{Host: "node", Port: 1}
	cfg := Config{
		Self:               addr,
		Members:            []entry.Address{addr},
		StorageDirectory:   t.TempDir(),
		ElectionTimeout:    60 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		SessionTimeout:     time.Second,
		CompactionInterval: 20 * time.Millisecond,
		MaxEntriesPerSeg:   4,
		Transport:          tr,
		StateMachine:       newMapMachine(),
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Start(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	waitForLeader(t, []*Server{s}, time.Second)
	peer := tr.Peer(addr)

	regCtx, regCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer regCancel()
	reg, err := peer.Register(regCtx, &transport.RegisterRequest{Member: addr})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := peer.Command(cmdCtx, &transport.CommandRequest{
			Session: reg.Session, Request: uint64(i + 1), Command: []byte("k=v"),
		})
		cmdCancel()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		var segs int
		s.exec.call(func() { segs = len(s.ctx.log.Segments()) })
		return segs <= 2
	}, time.Second, 10*time.Millisecond, "background compaction should keep sealed segment count low")
}
