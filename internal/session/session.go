// Package session implements copycat's client-session registry and the
// single-threaded state machine executor that applies committed entries
// in index order.
//
// Commands are deduplicated per session through request/response
// sequence numbers, giving at-most-once application. Every timeout here
// is computed from entry timestamps, never wall-clock, so replicas
// converge deterministically.
package session

import (
	"errors"
	"sync"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	copylog "github.com/ctrimble/copycat/pkg/log"
	"github.com/ctrimble/copycat/pkg/metrics"
)

var sessionLogger = copylog.WithComponent("session")

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrSessionExpired = errors.New("session: expired")
)

// StateMachine is the user-supplied application logic copycat replicates.
// Apply executes a mutating command; Query executes a read-only request
// against the same state. Snapshot/Restore support installing state on a
// joiner whose earliest reachable log index has been compacted away.
type StateMachine interface {
	Apply(now int64, command []byte) ([]byte, error)
	Query(query []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Session is a single client's interaction state: at-most-once command
// caching and keep-alive driven liveness.
type Session struct {
	ID            uint64
	Member        entry.Address
	LastKeepAlive int64 // entry timestamp, not wall-clock
	Sequence      uint64
	Responses     map[uint64][]byte
}

// Registry owns every live session, keyed by id, the index of the
// RegisterEntry that created it.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	timeout  int64 // sessionTimeout, in the same unit as entry timestamps (ms)
}

// NewRegistry returns an empty Registry expiring sessions whose last
// keep-alive is older than timeout (milliseconds).
func NewRegistry(timeout int64) *Registry {
	return &Registry{sessions: make(map[uint64]*Session), timeout: timeout}
}

// Register creates a session from a committed RegisterEntry.
func (r *Registry) Register(e *entry.RegisterEntry) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{
		ID:            e.GetIndex(),
		Member:        e.Member,
		LastKeepAlive: e.Timestamp,
		Responses:     make(map[uint64][]byte),
	}
	r.sessions[s.ID] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return s
}

// Get returns the session for id, if live.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// KeepAlive refreshes a session's liveness at the entry's timestamp.
func (r *Registry) KeepAlive(e *entry.KeepAliveEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[e.Session]
	if !ok {
		return ErrUnknownSession
	}
	if e.Timestamp > s.LastKeepAlive {
		s.LastKeepAlive = e.Timestamp
	}
	return nil
}

// ExpireBefore evicts every session whose last keep-alive is more than
// the session timeout older than now (an entry timestamp), run before
// processing each entry. It returns the expired ids.
func (r *Registry) ExpireBefore(now int64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []uint64
	for id, s := range r.sessions {
		if now-s.LastKeepAlive > r.timeout {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	if len(expired) > 0 {
		metrics.SessionsExpiredTotal.Add(float64(len(expired)))
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	return expired
}

// Apply processes a CommandEntry against sm with at-most-once semantics:
// a request at or below the session's watermark replays its cached
// response; otherwise the command runs once, its result is cached under
// the request id, and any response the client has already acknowledged
// (entry.Response) is purged from the cache.
func (r *Registry) Apply(sm StateMachine, e *entry.CommandEntry) ([]byte, error) {
	r.mu.Lock()
	s, ok := r.sessions[e.Session]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownSession
	}
	if e.Request <= s.Sequence {
		resp, cached := s.Responses[e.Request]
		r.mu.Unlock()
		if !cached {
			// The response was already purged by a later ack; the result
			// is no longer reproducible but the command is known applied.
			return nil, nil
		}
		metrics.CommandsTotal.WithLabelValues("replayed").Inc()
		return resp, nil
	}
	r.mu.Unlock()

	resp, err := sm.Apply(e.Timestamp, e.Command)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	s.Responses[e.Request] = resp
	s.Sequence = e.Request
	for reqID := range s.Responses {
		if reqID <= e.Response {
			delete(s.Responses, reqID)
		}
	}
	metrics.CommandsTotal.WithLabelValues("applied").Inc()
	return resp, nil
}

// Executor applies committed entries to the state machine in index
// order, on a single goroutine.
type Executor struct {
	sm          StateMachine
	sessions    *Registry
	view        *cluster.View
	lastApplied uint64
}

// NewExecutor returns an Executor driving sm, backed by sessions and
// view.
func NewExecutor(sm StateMachine, sessions *Registry, view *cluster.View) *Executor {
	return &Executor{sm: sm, sessions: sessions, view: view}
}

// LastApplied returns the index of the most recently applied entry.
func (ex *Executor) LastApplied() uint64 { return ex.lastApplied }

// Snapshot serializes the user state machine's current state, for a
// leader to ship to a joiner whose earliest reachable index has already
// been compacted away.
func (ex *Executor) Snapshot() ([]byte, error) {
	return ex.sm.Snapshot()
}

// InstallSnapshot restores the user state machine from data and
// fast-forwards lastApplied to index, skipping every entry at or below
// it, the receiving side of a snapshot install. Sessions are left
// untouched: the snapshot carries state-machine state only, and any
// session that
// existed before the snapshot boundary either keeps replicating
// normally (if it is still alive) or will time out through the normal
// keep-alive expiry path.
func (ex *Executor) InstallSnapshot(index uint64, data []byte) error {
	if err := ex.sm.Restore(data); err != nil {
		return err
	}
	ex.lastApplied = index
	return nil
}

// Apply dispatches e by kind and advances lastApplied. Entries arrive in
// increasing index order from the commit path; an entry at or below
// lastApplied (a commit future fetching its result after the ordered
// pass already ran) is answered without re-executing anything, so a
// given index mutates state at most once per replica.
func (ex *Executor) Apply(e entry.Entry) (any, error) {
	if idx := e.GetIndex(); idx != 0 && idx <= ex.lastApplied {
		return ex.replay(e)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)
	defer func() {
		ex.lastApplied = e.GetIndex()
		metrics.RaftLastApplied.Set(float64(ex.lastApplied))
	}()

	switch v := e.(type) {
	case *entry.NoOpEntry:
		return nil, nil

	case *entry.RegisterEntry:
		ex.sessions.ExpireBefore(v.Timestamp)
		s := ex.sessions.Register(v)
		return RegisterResult{SessionID: s.ID, Config: ex.view.Snapshot()}, nil

	case *entry.KeepAliveEntry:
		ex.sessions.ExpireBefore(v.Timestamp)
		return nil, ex.sessions.KeepAlive(v)

	case *entry.CommandEntry:
		ex.sessions.ExpireBefore(v.Timestamp)
		return ex.sessions.Apply(ex.sm, v)

	case *entry.QueryEntry:
		if v.Version > ex.lastApplied {
			return nil, errors.New("session: query version ahead of last applied index")
		}
		return ex.sm.Query(v.Query)

	case *entry.ConfigurationEntry:
		ex.view.Apply(v)
		return nil, nil

	case *entry.JoinEntry, *entry.LeaveEntry, *entry.PromoteEntry, *entry.DemoteEntry:
		sessionLogger.Warn().
			Msg("membership entry reached the executor without a prior ConfigurationEntry translation")
		return nil, nil

	default:
		return nil, errors.New("session: unknown entry type")
	}
}

// replay reproduces the result of an already-applied entry without
// touching state: commands come back from the session's response cache,
// a register's session id is its own entry index, and everything else
// has no result to reproduce.
func (ex *Executor) replay(e entry.Entry) (any, error) {
	switch v := e.(type) {
	case *entry.CommandEntry:
		return ex.sessions.Apply(ex.sm, v)
	case *entry.RegisterEntry:
		return RegisterResult{SessionID: v.GetIndex(), Config: ex.view.Snapshot()}, nil
	case *entry.QueryEntry:
		return ex.sm.Query(v.Query)
	default:
		return nil, nil
	}
}

// RegisterResult is returned to the caller that submitted a
// RegisterEntry (the Remote role's register handler), carrying the new
// session id and the membership snapshot it should cache.
type RegisterResult struct {
	SessionID uint64
	Config    *entry.ConfigurationEntry
}
