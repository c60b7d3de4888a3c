package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
)

type echoStateMachine struct {
	applyCount int
}

func (e *echoStateMachine) Apply(now int64, cmd []byte) ([]byte, error) {
	e.applyCount++
	out := make([]byte, len(cmd))
	copy(out, cmd)
	return out, nil
}

func (e *echoStateMachine) Query(q []byte) ([]byte, error) { return q, nil }
func (e *echoStateMachine) Snapshot() ([]byte, error)      { return nil, nil }
func (e *echoStateMachine) Restore([]byte) error           { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(1000)
	reg := &entry.RegisterEntry{Member: entry.Address{Host: "h", Port: 1}, Timestamp: 10}
	reg.SetIndex(5)

	s := r.Register(reg)
	assert.Equal(t, uint64(5), s.ID)

	got, ok := r.Get(5)
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestKeepAliveUnknownSessionErrors(t *testing.T) {
	r := NewRegistry(1000)
	err := r.KeepAlive(&entry.KeepAliveEntry{Session: 99, Timestamp: 1})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestExpireBeforeEvictsStaleSessions(t *testing.T) {
	r := NewRegistry(100)
	reg := &entry.RegisterEntry{Timestamp: 0}
	reg.SetIndex(1)
	r.Register(reg)

	expired := r.ExpireBefore(50)
	assert.Empty(t, expired)

	expired = r.ExpireBefore(200)
	assert.Equal(t, []uint64{1}, expired)
	_, ok := r.Get(1)
	assert.False(t, ok)
}

func TestApplyCachesResponseForReplay(t *testing.T) {
	r := NewRegistry(1000)
	reg := &entry.RegisterEntry{Timestamp: 0}
	reg.SetIndex(1)
	r.Register(reg)

	sm := &echoStateMachine{}
	cmd := &entry.CommandEntry{Session: 1, Request: 1, Command: []byte("hello")}

	resp, err := r.Apply(sm, cmd)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp)
	assert.Equal(t, 1, sm.applyCount)

	// Replaying the same request must not invoke Apply again.
	resp2, err := r.Apply(sm, cmd)
	require.NoError(t, err)
	assert.Equal(t, resp, resp2)
	assert.Equal(t, 1, sm.applyCount)
}

func TestApplyPurgesAcknowledgedResponses(t *testing.T) {
	r := NewRegistry(1000)
	reg := &entry.RegisterEntry{Timestamp: 0}
	reg.SetIndex(1)
	r.Register(reg)

	sm := &echoStateMachine{}
	_, err := r.Apply(sm, &entry.CommandEntry{Session: 1, Request: 1, Command: []byte("a")})
	require.NoError(t, err)
	_, err = r.Apply(sm, &entry.CommandEntry{Session: 1, Request: 2, Response: 1, Command: []byte("b")})
	require.NoError(t, err)

	s, _ := r.Get(1)
	_, ok := s.Responses[1]
	assert.False(t, ok, "request 1's cached response should have been purged by the ack in request 2")
	_, ok = s.Responses[2]
	assert.True(t, ok)
}

func TestApplyUnknownSessionErrors(t *testing.T) {
	r := NewRegistry(1000)
	sm := &echoStateMachine{}
	_, err := r.Apply(sm, &entry.CommandEntry{Session: 42, Request: 1})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestExecutorApplyDispatchesByKind(t *testing.T) {
	sm := &echoStateMachine{}
	sessions := NewRegistry(1000)
	view := cluster.New(entry.Address{Host: "node-1", Port: 9000})
	ex := NewExecutor(sm, sessions, view)

	reg := &entry.RegisterEntry{Timestamp: 1}
	reg.SetIndex(1)
	result, err := ex.Apply(reg)
	require.NoError(t, err)
	rr, ok := result.(RegisterResult)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rr.SessionID)
	assert.Equal(t, uint64(1), ex.LastApplied())

	cmd := &entry.CommandEntry{Session: 1, Request: 1, Command: []byte("x")}
	cmd.SetIndex(2)
	resp, err := ex.Apply(cmd)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), resp)
	assert.Equal(t, uint64(2), ex.LastApplied())
}

func TestExecutorApplyRejectsQueryAheadOfLastApplied(t *testing.T) {
	sm := &echoStateMachine{}
	sessions := NewRegistry(1000)
	view := cluster.New(entry.Address{Host: "node-1", Port: 9000})
	ex := NewExecutor(sm, sessions, view)

	q := &entry.QueryEntry{Session: 1, Version: 5, Query: []byte("q")}
	q.SetIndex(1)
	_, err := ex.Apply(q)
	assert.Error(t, err)
}
