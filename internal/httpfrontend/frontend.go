// Package httpfrontend implements the public-facing HTTP listener: it reads
// one HTTP/1.1 request at a time from each client connection, routes it by
// the leftmost label of the Host header, hands the raw bytes to the Router,
// and writes back whatever bytes the owning agent's dispatch loop produces.
package httpfrontend

import (
	"bufio"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/ridgewire/tunnel/internal/router"
)

// Outcome labels reported to Metrics, matching the tunnel_http_requests_total
// counter's "outcome" label in §4.6 of the expanded spec.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeClientError = "client_error"
)

// Metrics is the subset of the admin surface's Prometheus registry this
// frontend needs. Kept as a small interface so this package never imports
// the metrics package's concrete Prometheus types directly.
type Metrics interface {
	ObserveHTTPOutcome(outcome string)
}

// noopMetrics satisfies Metrics when the caller does not care to observe it
// (e.g. unit tests exercising the frontend in isolation).
type noopMetrics struct{}

func (noopMetrics) ObserveHTTPOutcome(string) {}

// Frontend is the public HTTP listener.
type Frontend struct {
	router  *router.Router
	logger  *zap.Logger
	metrics Metrics
}

// New creates a Frontend bound to the given Router. If metrics is nil,
// observations are discarded.
func New(r *router.Router, logger *zap.Logger, metrics Metrics) *Frontend {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Frontend{router: r, logger: logger.Named("http"), metrics: metrics}
}

// ListenAndServe binds addr and accepts connections until the listener is
// closed or accept fails fatally. Each connection is handled in its own
// goroutine — there is no central dispatcher.
func (f *Frontend) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer lis.Close()

	f.logger.Info("http frontend listening", zap.String("addr", addr))

	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go f.handleConn(conn)
	}
}

// handleConn runs the full request/response loop for one client connection,
// looping for keep-alive requests until the client signals Connection: close,
// an error terminates the connection, or the client disconnects. carry holds
// bytes already pulled off br that belong to the *next* request — readHead's
// delimiter scan can over-read past one request's frame boundary (the
// delimiter, or the end of a Content-Length body) when a pipelined follow-up
// request arrives in the same read; those bytes are threaded forward instead
// of being folded into the current ticket's bytes or dropped.
func (f *Frontend) handleConn(conn net.Conn) {
	defer conn.Close()

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	br := bufio.NewReader(conn)

	var carry []byte
	for {
		cont, next := f.handleOneRequest(conn, br, remoteIP, carry)
		carry = next
		if !cont {
			return
		}
	}
}

// handleOneRequest processes exactly one request/response exchange on conn,
// starting from carry (leftover bytes from a prior pipelined read, or nil).
// It reports whether the caller should loop for another request on the same
// connection (true) or close it (false), plus any bytes read past this
// request's frame boundary for the caller to carry into the next call.
func (f *Frontend) handleOneRequest(conn net.Conn, br *bufio.Reader, remoteIP string, carry []byte) (cont bool, nextCarry []byte) {
	head, err := readHead(br, carry)
	if err != nil {
		// Malformed head or client closed before the delimiter: close silently.
		return false, nil
	}

	delimEnd := indexHeadEnd(head)
	parsed := parseHead(head[:delimEnd])
	if parsed.realIP != "" {
		remoteIP = parsed.realIP
	}

	frameEnd := delimEnd
	full := head
	if parsed.hasBody {
		alreadyPastDelim := len(head) - delimEnd
		remaining := bodyRemaining(parsed.contentLength, alreadyPastDelim)
		if remaining > 0 {
			bodyTail := make([]byte, remaining)
			if _, err := io.ReadFull(br, bodyTail); err != nil {
				f.logger.Warn("body short-read, aborting connection",
					zap.String("remote_ip", remoteIP),
					zap.Error(err),
				)
				return false, nil
			}
			full = append(full, bodyTail...)
		}
		frameEnd = delimEnd + int(parsed.contentLength)
	}

	// Anything past frameEnd is the start of a pipelined follow-up request,
	// not part of this one — carry it forward rather than forwarding it to
	// the agent as trailing garbage or losing it.
	nextCarry = append([]byte(nil), full[frameEnd:]...)
	full = full[:frameEnd]

	if parsed.subdomain == "" {
		f.writeAndLog(conn, remoteIP, parsed.requestLine, notFoundResponse(), OutcomeNotFound)
		return false, nil
	}

	ticket := f.router.NewTicket(full)
	respCh := f.router.RegisterPending(ticket.ID)

	if !f.router.Dispatch(parsed.subdomain, ticket) {
		f.router.CancelPending(ticket.ID)
		f.logger.Warn("dispatch to unknown subdomain",
			zap.String("subdomain", parsed.subdomain),
			zap.String("remote_ip", remoteIP),
		)
		f.writeAndLog(conn, remoteIP, parsed.requestLine, notFoundResponse(), OutcomeNotFound)
		return false, nil
	}

	resp, ok := <-respCh
	body, outcome := f.resolveResponse(resp, ok)

	f.writeAndLog(conn, remoteIP, parsed.requestLine, body, outcome)

	return !parsed.connClose, nextCarry
}

// resolveResponse maps the bytes received from the response channel (or its
// absence) onto the bytes actually written to the client, per §4.2 step 7.
func (f *Frontend) resolveResponse(resp []byte, delivered bool) (body []byte, outcome string) {
	switch {
	case !delivered:
		// Inbox closed without a value.
		return serviceUnavailableResponse(), OutcomeUnavailable
	case resp == nil:
		// Empty bytes (sentinel): agent says no such resource.
		return notFoundResponse(), OutcomeNotFound
	case statusLineMentionsClientError(resp):
		return originRefusedResponse(), OutcomeClientError
	default:
		return resp, OutcomeOK
	}
}

func (f *Frontend) writeAndLog(conn net.Conn, remoteIP, requestLine string, body []byte, outcome string) {
	_, writeErr := conn.Write(body)
	f.metrics.ObserveHTTPOutcome(outcome)

	logLine := f.logger.Info
	if writeErr != nil && !errors.Is(writeErr, io.EOF) {
		logLine = f.logger.Warn
	}

	logLine("request completed",
		zap.String("remote_ip", remoteIP),
		zap.String("request_line", requestLine),
		zap.String("outcome", outcome),
	)
}

// indexHeadEnd returns the offset immediately after the CRLFCRLF delimiter
// in head, i.e. where the header block ends and any body bytes begin.
func indexHeadEnd(head []byte) int {
	for i := 0; i+4 <= len(head); i++ {
		if head[i] == '\r' && head[i+1] == '\n' && head[i+2] == '\r' && head[i+3] == '\n' {
			return i + 4
		}
	}
	return len(head)
}
