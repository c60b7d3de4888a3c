// Package transport defines copycat's RPC contract: the raft and
// client message set, carried over whatever wire a deployment chooses,
// plus two concrete implementations: an in-process registry that calls
// the target's handlers directly, for single-node operation and tests,
// and an HTTP/gorilla-mux
// transport for real multi-process clusters.
//
// The HTTP implementation carries each RPC as a JSON POST through a
// gorilla/mux router, one route and one request/response struct pair
// per message type; the message structs themselves are the contract,
// and any other wire format can implement Transport against them.
package transport

import (
	"context"

	"github.com/ctrimble/copycat/internal/entry"
)

// RaftError enumerates the error conditions an RPC response can carry.
type RaftError string

const (
	ErrNone                RaftError = ""
	ErrNoLeader            RaftError = "NO_LEADER"
	ErrIllegalMemberState  RaftError = "ILLEGAL_MEMBER_STATE"
	ErrCommandError        RaftError = "COMMAND_ERROR"
	ErrApplicationError    RaftError = "APPLICATION_ERROR"
	ErrInternalError       RaftError = "INTERNAL_ERROR"
	ErrUnknownSessionError RaftError = "UNKNOWN_SESSION"
)

// Consistency selects how a QueryRequest may be satisfied: Serializable
// applies locally with no freshness guarantee; Linearizable-Lease
// applies locally only within the leader's lease window;
// Linearizable-Strict forces a commit round first.
type Consistency string

const (
	Serializable       Consistency = "serializable"
	LinearizableLease  Consistency = "linearizable_lease"
	LinearizableStrict Consistency = "linearizable_strict"
)

// AppendRequest replicates entries (or, with Entries empty, serves as a
// heartbeat) from the leader to one peer.
type AppendRequest struct {
	Term         uint64        `json:"term"`
	Leader       entry.Address `json:"leader"`
	PrevLogIndex uint64        `json:"prev_log_index"`
	PrevLogTerm  uint64        `json:"prev_log_term"`
	Entries      [][]byte      `json:"entries"` // each is an entry.Encode() body, tagged by Kinds
	Kinds        []entry.Kind  `json:"kinds"`
	CommitIndex  uint64        `json:"commit_index"`
	GlobalIndex  uint64        `json:"global_index"`
}

type AppendResponse struct {
	Term     uint64    `json:"term"`
	Success  bool      `json:"success"`
	LogIndex uint64    `json:"log_index"` // on failure: last matching index; on success: last index appended
	Error    RaftError `json:"error,omitempty"`
}

// InstallSnapshotRequest ships a point-in-time state-machine snapshot to
// a peer whose required log entries have already been compacted away on
// the leader. Index is the last entry reflected in Data; the receiver
// discards its whole log and restarts it empty just past Index.
type InstallSnapshotRequest struct {
	Term         uint64        `json:"term"`
	Leader       entry.Address `json:"leader"`
	Index        uint64        `json:"index"`
	SnapshotTerm uint64        `json:"snapshot_term"`
	Data         []byte        `json:"data"`
}

type InstallSnapshotResponse struct {
	Term    uint64    `json:"term"`
	Success bool      `json:"success"`
	Error   RaftError `json:"error,omitempty"`
}

// VoteRequest solicits a vote for a candidacy.
type VoteRequest struct {
	Term         uint64        `json:"term"`
	Candidate    entry.Address `json:"candidate"`
	LastLogIndex uint64        `json:"last_log_index"`
	LastLogTerm  uint64        `json:"last_log_term"`
}

type VoteResponse struct {
	Term  uint64 `json:"term"`
	Voted bool   `json:"voted"`
}

// PollRequest is a pre-vote probe: it never increments term and never
// actually grants a vote.
type PollRequest struct {
	Term         uint64        `json:"term"`
	Candidate    entry.Address `json:"candidate"`
	LastLogIndex uint64        `json:"last_log_index"`
	LastLogTerm  uint64        `json:"last_log_term"`
}

type PollResponse struct {
	Term     uint64 `json:"term"`
	Accepted bool   `json:"accepted"`
}

// CommandRequest submits a state-mutating command under a session.
type CommandRequest struct {
	Session  uint64 `json:"session"`
	Request  uint64 `json:"request"`
	Response uint64 `json:"response"` // highest response the client has already received, for purge
	Command  []byte `json:"command"`
}

type CommandResponse struct {
	Result []byte        `json:"result"`
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

// QueryRequest submits a read-only request under the given consistency
// mode.
type QueryRequest struct {
	Session     uint64      `json:"session"`
	Consistency Consistency `json:"consistency"`
	Query       []byte      `json:"query"`
}

type QueryResponse struct {
	Result []byte        `json:"result"`
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

// RegisterRequest creates a new client session.
type RegisterRequest struct {
	Member entry.Address `json:"member"`
}

type RegisterResponse struct {
	Session uint64          `json:"session"`
	Active  []entry.Address `json:"active"`
	Passive []entry.Address `json:"passive"`
	Leader  entry.Address   `json:"leader,omitempty"`
	Error   RaftError       `json:"error,omitempty"`
}

type KeepAliveRequest struct {
	Session uint64 `json:"session"`
}

type KeepAliveResponse struct {
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

// JoinRequest/LeaveRequest/PromoteRequest/DemoteRequest are cluster
// membership change requests.
type JoinRequest struct {
	Member entry.Address `json:"member"`
}
type JoinResponse struct {
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

type LeaveRequest struct {
	Member entry.Address `json:"member"`
}
type LeaveResponse struct {
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

type PromoteRequest struct {
	Member entry.Address `json:"member"`
}
type PromoteResponse struct {
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

type DemoteRequest struct {
	Member entry.Address `json:"member"`
}
type DemoteResponse struct {
	Leader entry.Address `json:"leader,omitempty"`
	Error  RaftError     `json:"error,omitempty"`
}

// Handler is implemented by whatever sits behind a Transport on the
// receiving end; in practice, a raft Server exposing its current
// role's RPC handlers. Transport implementations dispatch inbound
// messages to it and never interpret the protocol themselves.
type Handler interface {
	HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	HandleVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandlePoll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	HandleQuery(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	HandleRegister(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	HandleKeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error)
	HandleJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	HandleLeave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error)
	HandlePromote(ctx context.Context, req *PromoteRequest) (*PromoteResponse, error)
	HandleDemote(ctx context.Context, req *DemoteRequest) (*DemoteResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// Transport is the one external collaborator the raft server depends on
// for network I/O: dial a peer by address, get back something that can
// carry every RPC to it, and serve inbound RPCs by dispatching to a
// local Handler.
type Transport interface {
	// Peer returns a client bound to addr, used by the replicator and by
	// Remote to send requests to other servers.
	Peer(addr entry.Address) Peer
	// Serve registers h to receive inbound RPCs until ctx is canceled.
	Serve(ctx context.Context, self entry.Address, h Handler) error
}

// Peer is a bound client for one remote server.
type Peer interface {
	Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	Vote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	Poll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error)
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error)
	Promote(ctx context.Context, req *PromoteRequest) (*PromoteResponse, error)
	Demote(ctx context.Context, req *DemoteRequest) (*DemoteResponse, error)
	InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
