// Package events is the in-process notification fabric of the orchestrator.
//
// Components never mutate each other's rows directly; cross-component effects
// flow through published events. The bus fans every event out to all
// subscribers; slow subscribers drop events rather than block publishers, so
// control-flow consumers should size their buffers generously.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies an event type on the bus.
type Kind string

const (
	// KindAgentStatus fires on every agent status transition.
	KindAgentStatus Kind = "agent_status"
	// KindToken carries a streaming token delta for live display.
	KindToken Kind = "token"
	// KindMessage fires when a transcript entry is persisted.
	KindMessage Kind = "message"
	// KindAgentCompleted fires exactly once per agent reaching a terminal state.
	KindAgentCompleted Kind = "agent_completed"
	// KindTurnEnded fires when an agent pauses for more input after a turn.
	KindTurnEnded Kind = "turn_ended"
	// KindPhaseAdvanced fires when a session's phase pointer moves.
	KindPhaseAdvanced Kind = "phase_advanced"
	// KindSessionStatus fires on every session status transition.
	KindSessionStatus Kind = "session_status"
	// KindApprovalNew fires when a pending approval becomes known.
	KindApprovalNew Kind = "approval_new"
	// KindApprovalResolved fires when an approval is approved or rejected.
	KindApprovalResolved Kind = "approval_resolved"
	// KindNonFatal carries best-effort cleanup failures (logged-and-swallowed
	// policy), surfaced as events so tests can assert on them.
	KindNonFatal Kind = "non_fatal"
)

// Event is one notification. Only the fields relevant to the Kind are set.
type Event struct {
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Phase      int       `json:"phase,omitempty"`
	Text       string    `json:"text,omitempty"`
	Err        string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Bus is a fan-out publish/subscribe channel registry.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.Named("events"),
	}
}

// Subscribe registers a buffered subscription. The returned cancel func
// unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. Full subscriber buffers drop the
// event; the bus never blocks a publisher.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", zap.String("kind", string(ev.Kind)))
		}
	}
}

// NonFatal publishes a cleanup failure per the logged-and-swallowed policy.
func (b *Bus) NonFatal(sessionID, agentID string, err error) {
	if err == nil {
		return
	}
	b.logger.Warn("non-fatal cleanup failure",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.Error(err))
	b.Publish(Event{Kind: KindNonFatal, SessionID: sessionID, AgentID: agentID, Err: err.Error()})
}
