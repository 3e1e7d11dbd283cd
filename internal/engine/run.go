package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// Run pumps bus events into engine reactions until ctx is cancelled. The
// subscription buffer is generous: the engine is a control-flow consumer and
// must not drop completion or resolution events.
func (e *Engine) Run(ctx context.Context) {
	ch, cancel := e.bus.Subscribe(4096)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev events.Event) {
	var err error
	switch ev.Kind {
	case events.KindAgentCompleted:
		err = e.HandlePhaseComplete(ctx, ev.AgentID)
	case events.KindApprovalResolved:
		err = e.HandleApprovalResolved(ctx, ev.ApprovalID)
	case events.KindTurnEnded:
		err = e.HandleTurnEnded(ctx, ev.AgentID)
	default:
		return
	}
	if err != nil {
		e.logger.Error("event handling failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("session_id", ev.SessionID),
			zap.String("agent_id", ev.AgentID),
			zap.Error(err))
	}
}

// HandleTurnEnded reacts to an agent pausing for input mid-phase: the
// session parks on an agent_idle approval so a human decides whether to feed
// the agent more input or stop it.
func (e *Engine) HandleTurnEnded(ctx context.Context, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if a.Status != store.AgentWaiting {
		// Raced with completion or kill; nothing to park on.
		return nil
	}
	s, err := e.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s.Status != store.SessionActive {
		return nil
	}

	pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		AgentID: agentID,
		Type:    store.ApprovalAgentIdle,
		Status:  store.ApprovalPending,
	})
	if err != nil {
		return fmt.Errorf("failed to check idle approvals: %w", err)
	}
	if len(pending) == 0 {
		if _, err := e.router.Create(ctx, approval.CreateRequest{
			SessionID: s.ID,
			AgentID:   agentID,
			Type:      store.ApprovalAgentIdle,
			Summary:   "Agent is idle — approve with input to continue, reject to stop it",
		}); err != nil {
			return fmt.Errorf("failed to create idle approval: %w", err)
		}
	}

	s.Status = store.SessionWaitingApproval
	s.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to park session on idle agent: %w", err)
	}
	e.publishSession(s)
	return nil
}
