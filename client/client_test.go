package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/raft"
	"github.com/ctrimble/copycat/internal/transport"
)

type echoMachine struct {
	mu   sync.Mutex
	data map[string]string
}

func newEchoMachine() *echoMachine { return &echoMachine{data: make(map[string]string)} }

func (m *echoMachine) Apply(now int64, cmd []byte) ([]byte, error) {
	s := string(cmd)
	for i, c := range s {
		if c == '=' {
			m.mu.Lock()
			m.data[s[:i]] = s[i+1:]
			m.mu.Unlock()
			return []byte("ok"), nil
		}
	}
	return nil, fmt.Errorf("echoMachine: malformed command %q", cmd)
}

func (m *echoMachine) Query(q []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte(m.data[string(q)]), nil
}

func (m *echoMachine) Snapshot() ([]byte, error) { return nil, nil }
func (m *echoMachine) Restore([]byte) error      { return nil }

func newTestCluster(t *testing.T, n int) ([]*raft.Server, transport.Transport, func()) {
	t.Helper()
	tr := transport.NewInProcess()
	addrs := make([]entry.Address, n)
	for i := range addrs {
		addrs[i] = entry.Address{Host: "node", Port: i + 1}
	}

	servers := make([]*raft.Server, n)
	for i := range servers {
		cfg := raft.Config{
			Self:              addrs[i],
			Members:           addrs,
			StorageDirectory:  t.TempDir(),
			ElectionTimeout:   60 * time.Millisecond,
			HeartbeatInterval: 15 * time.Millisecond,
			SessionTimeout:    time.Second,
			Transport:         tr,
			StateMachine:      newEchoMachine(),
		}
		s, err := raft.New(cfg)
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
	return servers, tr, stop
}

func waitForLeader(t *testing.T, servers []*raft.Server, timeout time.Duration) *raft.Server {
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

func addrsOf(servers []*raft.Server) []entry.Address {
	addrs := make([]entry.Address, len(servers))
	for i, s := range servers {
		addrs[i] = s.Self()
	}
	return addrs
}

func TestClientSubmitAndQueryRoundTrip(t *testing.T) {
	servers, tr, stop := newTestCluster(t, 3)
	defer stop()
	waitForLeader(t, servers, time.Second)

	c, err := New(Config{Seeds: addrsOf(servers), Transport: tr, RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
	defer c.Close()

	result, err := c.Submit(ctx, []byte("foo=bar"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(result))

	val, err := c.Query(ctx, []byte("foo"), transport.LinearizableStrict)
	require.NoError(t, err)
	require.Equal(t, "bar", string(val))
}

func TestClientFollowsLeaderRedirectOnOpen(t *testing.T) {
	servers, tr, stop := newTestCluster(t, 3)
	defer stop()
	waitForLeader(t, servers, time.Second)

	// Seed list starts with every member; Open must succeed even if the
	// first candidate tried happens not to be leader.
	c, err := New(Config{Seeds: addrsOf(servers), Transport: tr, RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
	c.Close()
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
