package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ctrimble/copycat/internal/entry"
	copylog "github.com/ctrimble/copycat/pkg/log"
)

// HTTP is a Transport carrying every RPC as a JSON POST over plain
// HTTP, one mux route per message type.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP transport using client, or a default client
// with a bounded per-request timeout if client is nil.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTP{client: client}
}

// Serve runs an HTTP server on self's address, dispatching each route to
// h, until ctx is canceled.
func (t *HTTP) Serve(ctx context.Context, self entry.Address, h Handler) error {
	r := mux.NewRouter()
	r.HandleFunc("/raft/append", httpHandle(h.HandleAppend)).Methods("POST")
	r.HandleFunc("/raft/vote", httpHandle(h.HandleVote)).Methods("POST")
	r.HandleFunc("/raft/poll", httpHandle(h.HandlePoll)).Methods("POST")
	r.HandleFunc("/raft/command", httpHandle(h.HandleCommand)).Methods("POST")
	r.HandleFunc("/raft/query", httpHandle(h.HandleQuery)).Methods("POST")
	r.HandleFunc("/raft/register", httpHandle(h.HandleRegister)).Methods("POST")
	r.HandleFunc("/raft/keepalive", httpHandle(h.HandleKeepAlive)).Methods("POST")
	r.HandleFunc("/raft/join", httpHandle(h.HandleJoin)).Methods("POST")
	r.HandleFunc("/raft/leave", httpHandle(h.HandleLeave)).Methods("POST")
	r.HandleFunc("/raft/promote", httpHandle(h.HandlePromote)).Methods("POST")
	r.HandleFunc("/raft/demote", httpHandle(h.HandleDemote)).Methods("POST")
	r.HandleFunc("/raft/snapshot", httpHandle(h.HandleInstallSnapshot)).Methods("POST")

	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", self.Host, self.Port), Handler: r}
	log := copylog.WithComponent("transport")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down http transport")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// httpHandle adapts a typed Handle* method into a mux route: decode the
// request body, invoke fn, encode the response.
func httpHandle[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			copylog.WithComponent("transport").Error().
				Str("request_id", r.Header.Get("X-Request-Id")).
				Err(err).Msg("rpc handler failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Peer returns a Peer that sends every RPC as a JSON POST to addr.
func (t *HTTP) Peer(addr entry.Address) Peer {
	return &httpPeer{client: t.client, base: fmt.Sprintf("http://%s:%d", addr.Host, addr.Port)}
}

type httpPeer struct {
	client *http.Client
	base   string
}

func httpCall[Req any, Resp any](ctx context.Context, p *httpPeer, path string, req *Req) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: %s returned status %d", path, httpResp.StatusCode)
	}
	var resp Resp
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *httpPeer) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	return httpCall[AppendRequest, AppendResponse](ctx, p, "/raft/append", req)
}

func (p *httpPeer) Vote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	return httpCall[VoteRequest, VoteResponse](ctx, p, "/raft/vote", req)
}

func (p *httpPeer) Poll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	return httpCall[PollRequest, PollResponse](ctx, p, "/raft/poll", req)
}

func (p *httpPeer) Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	return httpCall[CommandRequest, CommandResponse](ctx, p, "/raft/command", req)
}

func (p *httpPeer) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	return httpCall[QueryRequest, QueryResponse](ctx, p, "/raft/query", req)
}

func (p *httpPeer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	return httpCall[RegisterRequest, RegisterResponse](ctx, p, "/raft/register", req)
}

func (p *httpPeer) KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error) {
	return httpCall[KeepAliveRequest, KeepAliveResponse](ctx, p, "/raft/keepalive", req)
}

func (p *httpPeer) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	return httpCall[JoinRequest, JoinResponse](ctx, p, "/raft/join", req)
}

func (p *httpPeer) Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	return httpCall[LeaveRequest, LeaveResponse](ctx, p, "/raft/leave", req)
}

func (p *httpPeer) Promote(ctx context.Context, req *PromoteRequest) (*PromoteResponse, error) {
	return httpCall[PromoteRequest, PromoteResponse](ctx, p, "/raft/promote", req)
}

func (p *httpPeer) Demote(ctx context.Context, req *DemoteRequest) (*DemoteResponse, error) {
	return httpCall[DemoteRequest, DemoteResponse](ctx, p, "/raft/demote", req)
}

func (p *httpPeer) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return httpCall[InstallSnapshotRequest, InstallSnapshotResponse](ctx, p, "/raft/snapshot", req)
}
