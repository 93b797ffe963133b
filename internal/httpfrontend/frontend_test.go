package httpfrontend

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ridgewire/tunnel/internal/router"
)

// fakeAgent simulates one registered agent: it reads tickets off inbox and
// resolves them according to script, keyed by call order.
func fakeAgent(t *testing.T, r *router.Router, subdomain string, responses ...[]byte) {
	t.Helper()
	inbox := router.NewAgentInbox()
	r.RegisterAgent(subdomain, inbox)

	go func() {
		for _, resp := range responses {
			ticket := <-inbox
			r.ResolvePending(ticket.ID, resp)
		}
	}()
}

func startFrontend(t *testing.T, r *router.Router) string {
	t.Helper()
	f := New(r, zap.NewNop(), nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go f.handleConn(conn)
		}
	}()
	t.Cleanup(func() { lis.Close() })
	return lis.Addr().String()
}

func sendRequest(t *testing.T, addr, host string) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	return body
}

func TestFrontend_RoundTrip(t *testing.T) {
	r := router.New(zap.NewNop())
	fakeAgent(t, r, "myapp", []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))

	addr := startFrontend(t, r)
	resp := sendRequest(t, addr, "myapp.tunnel.example")

	assert.Contains(t, string(resp), "200 OK")
	assert.Contains(t, string(resp), "hi")
}

func TestFrontend_UnknownSubdomainIs404(t *testing.T) {
	r := router.New(zap.NewNop())
	addr := startFrontend(t, r)

	resp := sendRequest(t, addr, "nobody.tunnel.example")
	assert.Contains(t, string(resp), "404")
}

func TestFrontend_AgentEmptyResponseIs404(t *testing.T) {
	r := router.New(zap.NewNop())
	fakeAgent(t, r, "myapp", nil)

	addr := startFrontend(t, r)
	resp := sendRequest(t, addr, "myapp.tunnel.example")
	assert.Contains(t, string(resp), "404")
}

func TestFrontend_AgentDisconnectWithQueuedTicketIs503(t *testing.T) {
	r := router.New(zap.NewNop())
	inbox := router.NewAgentInbox()
	r.RegisterAgent("myapp", inbox)

	addr := startFrontend(t, r)

	done := make(chan []byte, 1)
	go func() { done <- sendRequest(t, addr, "myapp.tunnel.example") }()

	// Wait for the ticket to land in the inbox, then simulate the agent
	// session dying without ever consuming it.
	ticket := <-inbox
	r.FailPending(ticket.ID)

	resp := <-done
	assert.Contains(t, string(resp), "503")
}

func TestReadBufioReaderReuse(t *testing.T) {
	// Two requests arrive back-to-back in a single write, as a pipelining
	// client would send them. The first readHead call may return bytes past
	// the first request's delimiter; those bytes must be exactly the second
	// request, intact, so they can be carried into the next readHead call.
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"))
	}()

	br := bufio.NewReader(server)
	first, err := readHead(br, nil)
	require.NoError(t, err)
	assert.Contains(t, string(first), "/a")

	delimEnd := indexHeadEnd(first)
	require.Equal(t, "GET /b HTTP/1.1\r\nHost: x\r\n\r\n", string(first[delimEnd:]), "bytes past the first CRLFCRLF delimiter must be exactly the pipelined second request")
}

// TestFrontend_PipelinedRequests drives spec §8 scenario 7 end-to-end: two
// requests sent back-to-back on one keep-alive connection must each reach
// the agent as a distinct, correctly-bounded ticket, and each must get its
// own correct response back in order.
func TestFrontend_PipelinedRequests(t *testing.T) {
	r := router.New(zap.NewNop())
	inbox := router.NewAgentInbox()
	r.RegisterAgent("myapp", inbox)

	tickets := make(chan *router.Ticket, 2)
	go func() {
		for i := 0; i < 2; i++ {
			ticket := <-inbox
			tickets <- ticket
			switch {
			case bytesContainsPath(ticket.RequestBytes, "/a"):
				r.ResolvePending(ticket.ID, []byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"))
			case bytesContainsPath(ticket.RequestBytes, "/b"):
				r.ResolvePending(ticket.ID, []byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB"))
			}
		}
	}()

	addr := startFrontend(t, r)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(
		"GET /a HTTP/1.1\r\nHost: myapp.tunnel.example\r\n\r\n" +
			"GET /b HTTP/1.1\r\nHost: myapp.tunnel.example\r\nConnection: close\r\n\r\n",
	))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)

	first := <-tickets
	second := <-tickets
	assert.True(t, bytesContainsPath(first.RequestBytes, "/a"))
	assert.False(t, bytesContainsPath(first.RequestBytes, "/b"), "first ticket's bytes must not contain the pipelined second request")
	assert.True(t, bytesContainsPath(second.RequestBytes, "/b"))

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nAHTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB", string(body))
}

func bytesContainsPath(b []byte, path string) bool {
	return strings.Contains(string(b), path)
}
