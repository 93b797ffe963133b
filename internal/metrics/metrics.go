// Package metrics wires the Router's observational counters and the two
// frontends' outcome/session labels into a Prometheus registry, exposed by
// the admin surface's /metrics endpoint. None of it is on the critical path
// of dispatch or response delivery — see §4.6 and I5 of the expanded spec.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ridgewire/tunnel/internal/router"
)

const namespace = "tunnel"

// Registry holds every Prometheus collector this process exposes, plus a
// reference to the Router used to keep the agents-connected gauge current.
type Registry struct {
	router *router.Router

	agentsConnected prometheus.GaugeFunc
	httpRequests    *prometheus.CounterVec
	agentSessions   *prometheus.CounterVec
	ticketsDispatch prometheus.CounterFunc
	ticketsResolved prometheus.CounterFunc
	ticketsFailed   prometheus.CounterFunc
}

// New creates a Registry bound to r and registers every collector with reg.
func New(r *router.Router, reg prometheus.Registerer) *Registry {
	m := &Registry{router: r}

	m.agentsConnected = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_connected",
		Help:      "Number of agents currently registered with the router.",
	}, func() float64 { return float64(r.AgentCount()) })

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Tunnelled HTTP requests completed, by outcome.",
	}, []string{"outcome"})

	m.agentSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_sessions_total",
		Help:      "Agent control-port sessions completed, by result.",
	}, []string{"result"})

	m.ticketsDispatch = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_dispatched_total",
		Help:      "Tickets handed to an agent inbox.",
	}, func() float64 { d, _, _ := r.Counters(); return float64(d) })

	m.ticketsResolved = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_resolved_total",
		Help:      "Tickets resolved with response bytes from an agent.",
	}, func() float64 { _, res, _ := r.Counters(); return float64(res) })

	m.ticketsFailed = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_failed_total",
		Help:      "Tickets resolved with the empty sentinel or a closed inbox.",
	}, func() float64 { _, _, f := r.Counters(); return float64(f) })

	reg.MustRegister(
		m.agentsConnected,
		m.httpRequests,
		m.agentSessions,
		m.ticketsDispatch,
		m.ticketsResolved,
		m.ticketsFailed,
	)

	return m
}

// ObserveHTTPOutcome implements httpfrontend.Metrics.
func (m *Registry) ObserveHTTPOutcome(outcome string) {
	m.httpRequests.WithLabelValues(outcome).Inc()
}

// ObserveAgentSession implements agentfrontend.Metrics.
func (m *Registry) ObserveAgentSession(result string) {
	m.agentSessions.WithLabelValues(result).Inc()
}
