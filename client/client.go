// Package client implements the Remote role from the client side: a
// session-owning handle that registers with the cluster, keeps its
// session alive in the background, and forwards commands/queries to
// whichever member is currently leader, rediscovering it and retrying
// with backoff whenever a request comes back NO_LEADER or the cached
// leader hint turns out to be stale.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
	copylog "github.com/ctrimble/copycat/pkg/log"
)

// Config tunes retry/backoff and keep-alive cadence.
type Config struct {
	Seeds             []entry.Address
	Transport         transport.Transport
	KeepAliveInterval time.Duration
	RequestTimeout    time.Duration
	MaxBackoff        time.Duration
}

func defaultConfig() Config {
	return Config{
		KeepAliveInterval: 2 * time.Second,
		RequestTimeout:    5 * time.Second,
		MaxBackoff:        2 * time.Second,
	}
}

// Client owns one session against the cluster and hides leader
// rediscovery from the caller. A Client is safe for concurrent use: the
// session id and leader hint are guarded by mu, and each call dials its
// own Peer rather than sharing a connection.
type Client struct {
	cfg Config

	// id identifies this client instance (not the session) in logs, so
	// two clients sharing one process remain distinguishable across
	// re-registrations.
	id  string
	log zerolog.Logger

	mu         sync.Mutex
	leader     entry.Address
	haveLeader bool
	session    uint64
	nextReq    uint64
	lastResp   uint64

	stopKeepAlive chan struct{}
	keepAliveDone chan struct{}
}

// New returns a Client that will register against cfg.Seeds on first
// use. cfg.Transport is required.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	d := defaultConfig()
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = d.KeepAliveInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	id := uuid.NewString()
	return &Client{
		cfg: cfg,
		id:  id,
		log: copylog.WithComponent("client").With().Str("client_id", id).Logger(),
	}, nil
}

// Open registers a new session against the cluster and starts the
// background keep-alive loop. It retries across every seed (and
// whatever leader hint a seed returns) until one succeeds or ctx is
// done.
func (c *Client) Open(ctx context.Context) error {
	resp, err := forward(ctx, c, func(addr entry.Address) (registerResult, error) {
		p := c.cfg.Transport.Peer(addr)
		rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		r, err := p.Register(rpcCtx, &transport.RegisterRequest{Member: addr})
		if err != nil {
			return registerResult{}, err
		}
		if r.Error == transport.ErrNoLeader {
			return registerResult{}, leaderRedirect{hint: r.Leader}
		}
		return registerResult{session: r.Session, leader: r.Leader}, nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = resp.session
	c.leader = resp.leader
	c.haveLeader = resp.leader != (entry.Address{})
	c.nextReq = 1
	c.mu.Unlock()

	c.startKeepAlive()
	return nil
}

type registerResult struct {
	session uint64
	leader  entry.Address
}

// Close stops the keep-alive loop. It does not notify the cluster; an
// idle session simply expires on its own after the configured timeout.
func (c *Client) Close() {
	c.mu.Lock()
	stop := c.stopKeepAlive
	done := c.keepAliveDone
	c.stopKeepAlive = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Client) startKeepAlive() {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.stopKeepAlive = stop
	c.keepAliveDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
				if err := c.keepAlive(ctx); err != nil {
					c.log.Debug().Err(err).Msg("keepalive failed")
				}
				cancel()
			}
		}
	}()
}

func (c *Client) keepAlive(ctx context.Context) error {
	session := c.sessionID()
	_, err := forward(ctx, c, func(addr entry.Address) (struct{}, error) {
		p := c.cfg.Transport.Peer(addr)
		rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		r, err := p.KeepAlive(rpcCtx, &transport.KeepAliveRequest{Session: session})
		if err != nil {
			return struct{}{}, err
		}
		if r.Error == transport.ErrNoLeader {
			return struct{}{}, leaderRedirect{hint: r.Leader}
		}
		if r.Error != "" {
			return struct{}{}, fmt.Errorf("client: keepalive rejected: %s", r.Error)
		}
		return struct{}{}, nil
	})
	return err
}

// Submit forwards a state-mutating command to the leader, registering
// it under this session's (Request, Response) sequence for at-most-once
// replay.
func (c *Client) Submit(ctx context.Context, command []byte) ([]byte, error) {
	session := c.sessionID()
	req := c.nextRequest()

	result, err := forward(ctx, c, func(addr entry.Address) ([]byte, error) {
		p := c.cfg.Transport.Peer(addr)
		rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		resp, err := p.Command(rpcCtx, &transport.CommandRequest{
			Session:  session,
			Request:  req,
			Response: c.lastAcked(),
			Command:  command,
		})
		if err != nil {
			return nil, err
		}
		switch resp.Error {
		case "":
			return resp.Result, nil
		case transport.ErrNoLeader:
			return nil, leaderRedirect{hint: resp.Leader}
		default:
			return nil, fmt.Errorf("client: command rejected: %s", resp.Error)
		}
	})
	if err == nil {
		c.ack(req)
	}
	return result, err
}

// Query forwards a read-only request to the leader under the requested
// consistency mode.
func (c *Client) Query(ctx context.Context, query []byte, consistency transport.Consistency) ([]byte, error) {
	session := c.sessionID()
	return forward(ctx, c, func(addr entry.Address) ([]byte, error) {
		p := c.cfg.Transport.Peer(addr)
		rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		resp, err := p.Query(rpcCtx, &transport.QueryRequest{Session: session, Consistency: consistency, Query: query})
		if err != nil {
			return nil, err
		}
		switch resp.Error {
		case "":
			return resp.Result, nil
		case transport.ErrNoLeader:
			return nil, leaderRedirect{hint: resp.Leader}
		default:
			return nil, fmt.Errorf("client: query rejected: %s", resp.Error)
		}
	})
}

func (c *Client) sessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) nextRequest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextReq++
	return c.nextReq
}

func (c *Client) lastAcked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResp
}

func (c *Client) ack(req uint64) {
	c.mu.Lock()
	if req > c.lastResp {
		c.lastResp = req
	}
	c.mu.Unlock()
}

func (c *Client) candidates() []entry.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveLeader {
		return []entry.Address{c.leader}
	}
	return c.cfg.Seeds
}

func (c *Client) setLeader(addr entry.Address) {
	if addr == (entry.Address{}) {
		return
	}
	c.mu.Lock()
	c.leader = addr
	c.haveLeader = true
	c.mu.Unlock()
}

func (c *Client) clearLeader() {
	c.mu.Lock()
	c.haveLeader = false
	c.mu.Unlock()
}

// leaderRedirect is returned by a call closure to signal "try hint (or
// rediscover from seeds if hint is empty) instead of retrying addr".
type leaderRedirect struct{ hint entry.Address }

func (leaderRedirect) Error() string { return "client: redirected to a different leader" }

// forward retries fn against the current leader candidates, following
// redirects and backing off exponentially (capped at cfg.MaxBackoff,
// with jitter) on any other failure, until ctx is done.
func forward[T any](ctx context.Context, c *Client, fn func(entry.Address) (T, error)) (T, error) {
	backoff := 25 * time.Millisecond
	for {
		for _, addr := range c.candidates() {
			result, err := fn(addr)
			if err == nil {
				c.setLeader(addr)
				return result, nil
			}
			if redirect, ok := err.(leaderRedirect); ok {
				c.clearLeader()
				if redirect.hint != (entry.Address{}) {
					c.setLeader(redirect.hint)
				}
				continue
			}
			c.log.Debug().Str("peer", addr.String()).Err(err).Msg("rpc failed")
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
