// Package agentfrontend implements the control-port listener agents connect
// to: a version handshake, subdomain allocation, registration with the
// Router, and then a strictly serial dispatch loop that writes one request
// to the agent and reads back one framed HTTP response before the next
// ticket is ever written.
package agentfrontend

import (
	"bufio"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridgewire/tunnel/internal/router"
)

const (
	errVersionTooLow = "ERR001:request_higher_version"
	maxHandshakeLine = 1024
)

// Result labels reported to Metrics, matching the tunnel_agent_sessions_total
// counter's "result" label in §4.6 of the expanded spec.
const (
	ResultHandshakeRejected = "handshake_rejected"
	ResultRegistered        = "registered"
	ResultClosed            = "closed"
)

// Metrics is the subset of the admin surface's Prometheus registry this
// frontend needs.
type Metrics interface {
	ObserveAgentSession(result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAgentSession(string) {}

// Frontend is the control-port listener agents connect to.
type Frontend struct {
	router     *router.Router
	logger     *zap.Logger
	metrics    Metrics
	minVersion version
}

// New creates a Frontend bound to the given Router. minVersion is the
// lowest handshake version accepted; agents reporting a lower version are
// rejected per §4.4. If metrics is nil, observations are discarded.
func New(r *router.Router, logger *zap.Logger, metrics Metrics, minVersion string) (*Frontend, error) {
	v, err := parseVersion(minVersion)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Frontend{router: r, logger: logger.Named("agent"), metrics: metrics, minVersion: v}, nil
}

// ListenAndServe binds addr and accepts agent connections until the
// listener is closed or accept fails fatally.
func (f *Frontend) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer lis.Close()

	f.logger.Info("agent frontend listening", zap.String("addr", addr))

	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go f.handleConn(conn)
	}
}

// handleConn runs the handshake and, on success, the dispatch loop for one
// agent connection. It always closes conn before returning.
func (f *Frontend) handleConn(conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.NewString()
	br := bufio.NewReader(conn)

	subdomain, tag, ok := f.handshake(conn, br, sessionID)
	if !ok {
		return
	}

	logger := f.logger.With(
		zap.String("session_id", sessionID),
		zap.String("subdomain", subdomain),
		zap.String("tag", tag),
	)

	inbox := router.NewAgentInbox()
	f.router.RegisterAgent(subdomain, inbox)
	f.metrics.ObserveAgentSession(ResultRegistered)

	f.dispatchLoop(conn, br, inbox, logger)

	f.router.UnregisterAgent(subdomain)
	f.drainInbox(inbox)
	f.metrics.ObserveAgentSession(ResultClosed)
	logger.Info("agent session closed")
}

// handshake reads and validates the initial handshake line and allocates a
// subdomain; registration with the Router happens in the caller once the
// inbox exists. Returns the allocated subdomain, the handshake's free-form
// tag, and whether the session should proceed.
func (f *Frontend) handshake(conn net.Conn, br *bufio.Reader, sessionID string) (subdomain, tag string, ok bool) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", "", false
	}
	if len(line) > maxHandshakeLine {
		line = line[:maxHandshakeLine]
	}
	line = strings.TrimSpace(line)

	fields := strings.Fields(line)
	if len(fields) < 2 {
		f.metrics.ObserveAgentSession(ResultHandshakeRejected)
		return "", "", false
	}

	tag = fields[0]
	v, err := parseVersion(fields[1])
	if err != nil {
		f.logger.Warn("handshake: malformed version",
			zap.String("session_id", sessionID),
			zap.String("version", fields[1]),
		)
		f.metrics.ObserveAgentSession(ResultHandshakeRejected)
		return "", "", false
	}

	if v.lessThan(f.minVersion) {
		conn.Write([]byte(errVersionTooLow))
		f.logger.Info("handshake: version too low, rejecting",
			zap.String("session_id", sessionID),
			zap.String("version", fields[1]),
		)
		f.metrics.ObserveAgentSession(ResultHandshakeRejected)
		return "", "", false
	}

	requested := ""
	if len(fields) >= 3 {
		requested = fields[2]
	}
	subdomain = f.router.AllocateSubdomain(requested)

	if _, err := conn.Write([]byte(subdomain)); err != nil {
		return "", "", false
	}

	return subdomain, tag, true
}

// dispatchLoop receives one ticket at a time from inbox and performs one
// request/response exchange on conn, never writing the next ticket until
// the previous response has been fully framed and delivered — the hard
// serialization requirement of §5, since responses share the TCP stream
// and carry no framing of their own beyond standard HTTP.
func (f *Frontend) dispatchLoop(conn net.Conn, br *bufio.Reader, inbox router.AgentInbox, logger *zap.Logger) {
	for ticket := range inbox {
		if !f.exchangeOne(conn, br, ticket, logger) {
			return
		}
	}
}

// exchangeOne writes one ticket's request bytes and reads back one framed
// response, resolving the ticket's waiter either way. It reports whether
// the session should continue to the next ticket.
func (f *Frontend) exchangeOne(conn net.Conn, br *bufio.Reader, ticket *router.Ticket, logger *zap.Logger) bool {
	if _, err := conn.Write(ticket.RequestBytes); err != nil {
		logger.Warn("write to agent failed, terminating session",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		f.router.ResolvePending(ticket.ID, nil)
		return false
	}

	head, err := readResponseHead(br)
	if err != nil {
		logger.Warn("response head read failed, terminating session",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		f.router.ResolvePending(ticket.ID, nil)
		return false
	}

	delimEnd := headEnd(head)
	full, err := frameResponse(br, head, delimEnd)
	if err != nil {
		// Content-Length short-reads are tolerated inside frameResponse
		// itself (best-effort); reaching here means the stream ended before
		// framing could complete at all (e.g. mid-chunked-body), which is
		// terminal for the session.
		logger.Warn("response body framing failed, terminating session",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		f.router.ResolvePending(ticket.ID, nil)
		return false
	}

	f.router.ResolvePending(ticket.ID, full)
	return true
}

// drainInbox resolves every ticket still sitting in inbox (queued but never
// dispatched because the session died first) with a closed correlation
// channel, so each HTTP waiter observes "inbox closed without a value" and
// responds 503 rather than blocking forever.
func (f *Frontend) drainInbox(inbox router.AgentInbox) {
	for {
		select {
		case ticket := <-inbox:
			f.router.FailPending(ticket.ID)
		default:
			return
		}
	}
}
