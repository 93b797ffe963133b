// Package router maintains the shared in-memory state that pairs inbound
// HTTP requests with the agent that should serve them.
//
// Two mappings live here: subdomain -> agent inbox, and ticket-id -> response
// channel. The HTTP frontend and the agent frontend never talk to each other
// directly; they only ever go through a Router. Each mapping is guarded by
// its own lock so that a slow dispatch never blocks a response delivery, or
// vice versa.
package router

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ticket is one in-flight request-forwarding job: the raw bytes of an HTTP
// request, tagged with the ID the agent dispatch loop will use to resolve
// the eventual response back to its HTTP waiter.
type Ticket struct {
	ID           string
	RequestBytes []byte
}

// AgentInbox is the single-consumer queue an agent's dispatch loop receives
// tickets from. It is generously buffered so Dispatch never blocks the HTTP
// task that calls it under any realistic queue depth.
type AgentInbox chan *Ticket

const inboxBuffer = 256

// NewAgentInbox creates the queue an agent session registers under its
// subdomain.
func NewAgentInbox() AgentInbox {
	return make(AgentInbox, inboxBuffer)
}

// agentEntry is the Router's bookkeeping for one registered agent.
type agentEntry struct {
	inbox       AgentInbox
	connectedAt time.Time
}

// AgentSummary is a read-only snapshot of one registered agent, used by the
// admin surface and by tests asserting the allocation/registration invariant.
type AgentSummary struct {
	Subdomain      string    `json:"subdomain"`
	ConnectedAt    time.Time `json:"connected_at"`
	PendingTickets int       `json:"pending_tickets"`
}

// Router is the process-wide singleton holding all shared mutable tunnel
// state. The zero value is not usable — create instances with New.
type Router struct {
	agentsMu sync.RWMutex
	agents   map[string]*agentEntry // subdomain -> entry; also the allocation set

	pendingMu sync.RWMutex
	pending   map[string]chan []byte // ticket-id -> response channel

	logger *zap.Logger

	dispatched atomic.Int64
	resolved   atomic.Int64
	failed     atomic.Int64
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	return &Router{
		agents:  make(map[string]*agentEntry),
		pending: make(map[string]chan []byte),
		logger:  logger.Named("router"),
	}
}

// AllocateSubdomain returns a subdomain name that is not currently
// registered. If requested is non-empty, it is returned unchanged when free;
// otherwise suffixes "-1", "-2", ... are tried in order. If requested is
// empty, a random "app-NNNN" name is generated and retried on collision.
//
// Allocation only checks availability; it does not reserve the name. The
// caller commits by following up with RegisterAgent. The agent frontend
// runs its handshake to completion on a single goroutine per connection, so
// there is no window where two goroutines allocate the same requested name
// concurrently in practice.
func (r *Router) AllocateSubdomain(requested string) string {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()

	if requested != "" {
		if _, taken := r.agents[requested]; !taken {
			return requested
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s-%d", requested, n)
			if _, taken := r.agents[candidate]; !taken {
				return candidate
			}
		}
	}

	for {
		candidate := fmt.Sprintf("app-%04d", rand.Intn(10000))
		if _, taken := r.agents[candidate]; !taken {
			return candidate
		}
	}
}

// RegisterAgent records that subdomain is now owned by the given inbox.
func (r *Router) RegisterAgent(subdomain string, inbox AgentInbox) {
	r.agentsMu.Lock()
	r.agents[subdomain] = &agentEntry{inbox: inbox, connectedAt: time.Now()}
	total := len(r.agents)
	r.agentsMu.Unlock()

	r.logger.Info("agent registered",
		zap.String("subdomain", subdomain),
		zap.Int("total_connected", total),
	)
}

// UnregisterAgent removes subdomain from both the inbox mapping and the
// allocation table. Tickets already sitting in the inbox are not drained
// here; the agent frontend drains them with FailPending after unregistering.
func (r *Router) UnregisterAgent(subdomain string) {
	r.agentsMu.Lock()
	_, existed := r.agents[subdomain]
	delete(r.agents, subdomain)
	total := len(r.agents)
	r.agentsMu.Unlock()

	if !existed {
		return
	}
	r.logger.Info("agent unregistered",
		zap.String("subdomain", subdomain),
		zap.Int("total_connected", total),
	)
}

// Dispatch enqueues ticket onto the inbox registered for subdomain. It
// reports false if no agent is currently registered under that name; the
// caller is then responsible for cancelling the pending ticket itself.
func (r *Router) Dispatch(subdomain string, ticket *Ticket) bool {
	r.agentsMu.RLock()
	entry, ok := r.agents[subdomain]
	r.agentsMu.RUnlock()

	if !ok {
		return false
	}

	entry.inbox <- ticket
	r.dispatched.Add(1)
	return true
}

// RegisterPending creates the correlation-table entry for ticketID and
// returns the channel the caller should receive the eventual response bytes
// from. The channel has capacity 1: at most one value is ever sent, by
// ResolvePending (the bytes, or nil as the "agent failed" sentinel). If
// FailPending is used instead, the channel is closed without a value; if
// CancelPending is used, nothing is ever sent.
func (r *Router) RegisterPending(ticketID string) <-chan []byte {
	ch := make(chan []byte, 1)

	r.pendingMu.Lock()
	r.pending[ticketID] = ch
	r.pendingMu.Unlock()

	return ch
}

// ResolvePending delivers bytes to the waiter registered for ticketID, then
// removes the entry. If no waiter is registered (the HTTP task already gave
// up, or the ticket was already resolved), this is a silent no-op.
func (r *Router) ResolvePending(ticketID string, bytes []byte) {
	r.pendingMu.Lock()
	ch, ok := r.pending[ticketID]
	if ok {
		delete(r.pending, ticketID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return
	}

	ch <- bytes
	if bytes == nil {
		r.failed.Add(1)
	} else {
		r.resolved.Add(1)
	}
}

// CancelPending removes ticketID's correlation entry without delivering a
// value. Used when dispatch itself failed and no agent will ever resolve it.
func (r *Router) CancelPending(ticketID string) {
	r.pendingMu.Lock()
	delete(r.pending, ticketID)
	r.pendingMu.Unlock()
}

// FailPending closes the correlation channel for ticketID without sending a
// value, which is how its HTTP waiter observes "inbox closed without a
// value" and responds 503 (as opposed to ResolvePending(id, nil), which
// delivers the empty sentinel and produces a 404). Used by the agent
// frontend when tearing down a session with tickets still queued in its
// inbox.
func (r *Router) FailPending(ticketID string) {
	r.pendingMu.Lock()
	ch, ok := r.pending[ticketID]
	if ok {
		delete(r.pending, ticketID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return
	}
	close(ch)
	r.failed.Add(1)
}

// NewTicket builds a Ticket with a freshly generated, collision-checked ID:
// "tx-" followed by a random 8-digit decimal. On the astronomically unlikely
// event of a collision against a still-live ticket, a new digit string is
// drawn and retried.
func (r *Router) NewTicket(requestBytes []byte) *Ticket {
	return &Ticket{ID: r.newTicketID(), RequestBytes: requestBytes}
}

func (r *Router) newTicketID() string {
	for {
		n := 10_000_000 + rand.Intn(90_000_000)
		id := "tx-" + strconv.Itoa(n)

		r.pendingMu.RLock()
		_, taken := r.pending[id]
		r.pendingMu.RUnlock()

		if !taken {
			return id
		}
	}
}

// Snapshot returns a point-in-time copy of every registered agent, along
// with how many tickets are currently sitting unread in its inbox. It takes
// only the agents-map read lock, for the duration of a single map
// iteration — never both mapping locks at once, and never across an I/O
// suspension — so it cannot stall Dispatch or ResolvePending.
func (r *Router) Snapshot() []AgentSummary {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()

	out := make([]AgentSummary, 0, len(r.agents))
	for subdomain, entry := range r.agents {
		out = append(out, AgentSummary{
			Subdomain:      subdomain,
			ConnectedAt:    entry.connectedAt,
			PendingTickets: len(entry.inbox),
		})
	}
	return out
}

// AgentCount reports the number of currently registered agents, for the
// tunnel_agents_connected gauge.
func (r *Router) AgentCount() int {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	return len(r.agents)
}

// Counters returns the cumulative dispatched/resolved/failed ticket counts.
func (r *Router) Counters() (dispatched, resolved, failed int64) {
	return r.dispatched.Load(), r.resolved.Load(), r.failed.Load()
}
