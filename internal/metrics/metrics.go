// Package metrics exposes Prometheus metrics for the orchestrator. The
// collector is a bus subscriber: every counter is driven by the same events
// the rest of the daemon reacts to, so instrumented code stays free of
// metrics calls.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

var (
	// AgentsSpawned counts agent subprocess launches.
	AgentsSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "agents",
			Name:      "spawned_total",
			Help:      "Total number of agent subprocesses spawned",
		},
	)

	// AgentsFinished counts agents reaching a terminal state.
	// Labels: status (completed, failed)
	AgentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "agents",
			Name:      "finished_total",
			Help:      "Total number of agents reaching a terminal state",
		},
		[]string{"status"},
	)

	// AgentsLive tracks currently live agent subprocesses.
	AgentsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "agents",
			Name:      "live",
			Help:      "Number of currently live agent subprocesses",
		},
	)

	// ApprovalsCreated counts pending approvals surfacing.
	// Labels: type (phase_gate, escalation, agent_idle, needs_input, decision)
	ApprovalsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "approvals",
			Name:      "created_total",
			Help:      "Total number of approvals created",
		},
		[]string{"type"},
	)

	// ApprovalsResolved counts approval resolutions.
	// Labels: status (approved, rejected)
	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "approvals",
			Name:      "resolved_total",
			Help:      "Total number of approvals resolved",
		},
		[]string{"status"},
	)

	// PhasesAdvanced counts phase pointer moves, loops included.
	PhasesAdvanced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "sessions",
			Name:      "phases_advanced_total",
			Help:      "Total number of phase transitions, including loop jumps",
		},
	)

	// SessionsFinished counts sessions by final status.
	// Labels: status (completed, paused)
	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "sessions",
			Name:      "finished_total",
			Help:      "Total number of sessions reaching completed or paused",
		},
		[]string{"status"},
	)
)

// LiveCounter reports the number of currently live agent processes.
type LiveCounter interface {
	LiveCount() int
}

// Collector feeds bus events into the Prometheus metrics.
type Collector struct {
	bus  *events.Bus
	live LiveCounter
}

// NewCollector creates a collector. live may be nil, in which case the live
// gauge is not maintained.
func NewCollector(bus *events.Bus, live LiveCounter) *Collector {
	return &Collector{bus: bus, live: live}
}

// Run consumes bus events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe records one event.
func (c *Collector) Observe(ev events.Event) {
	switch ev.Kind {
	case events.KindAgentStatus:
		if ev.Status == string(store.AgentSpawning) {
			AgentsSpawned.Inc()
		}
		if c.live != nil {
			AgentsLive.Set(float64(c.live.LiveCount()))
		}
	case events.KindAgentCompleted:
		AgentsFinished.WithLabelValues(ev.Status).Inc()
	case events.KindApprovalNew:
		// Status carries the approval type on approval_new events.
		ApprovalsCreated.WithLabelValues(ev.Status).Inc()
	case events.KindApprovalResolved:
		ApprovalsResolved.WithLabelValues(ev.Status).Inc()
	case events.KindPhaseAdvanced:
		PhasesAdvanced.Inc()
	case events.KindSessionStatus:
		if ev.Status == string(store.SessionCompleted) || ev.Status == string(store.SessionPaused) {
			SessionsFinished.WithLabelValues(ev.Status).Inc()
		}
	}
}
