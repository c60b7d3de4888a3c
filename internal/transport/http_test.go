package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
)

// freePort grabs an ephemeral TCP port and releases it immediately,
// accepting the small race in exchange for not threading a net.Listener
// through http.Server in Serve.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestHTTPCommandRoundTrip(t *testing.T) {
	port := freePort(t)
	self := entry.Address{Host: "127.0.0.1", Port: port}
	h := &stubHandler{}

	tr := NewHTTP(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- tr.Serve(ctx, self, h) }()

	waitForListener(t, self)

	resp, err := tr.Peer(self).Command(context.Background(), &CommandRequest{
		Session: 1, Request: 1, Command: []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), resp.Result)

	cancel()
	require.NoError(t, <-serveErr)
}

func TestHTTPRegisterRoundTrip(t *testing.T) {
	port := freePort(t)
	self := entry.Address{Host: "127.0.0.1", Port: port}
	h := &stubHandler{}

	tr := NewHTTP(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Serve(ctx, self, h)
	waitForListener(t, self)

	resp, err := tr.Peer(self).Register(context.Background(), &RegisterRequest{Member: self})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.Session)
}

func waitForListener(t *testing.T, addr entry.Address) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr.Host+":"+strconv.Itoa(addr.Port), 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("http transport did not start listening on %s", addr)
}
