package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// Router creates and resolves approvals and keeps the bus informed.
type Router struct {
	store  store.Store
	bus    *events.Bus
	bridge *Bridge
	logger *zap.Logger
}

// NewRouter creates a router. bridge may be nil when no sidecar processes
// share the database.
func NewRouter(st store.Store, bus *events.Bus, bridge *Bridge, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: st, bus: bus, bridge: bridge, logger: logger.Named("approval")}
}

// CreateRequest describes a new pending approval.
type CreateRequest struct {
	SessionID string
	AgentID   string
	Type      store.ApprovalType
	Summary   string
	Payload   []byte
}

// Create persists a pending approval and announces it. A session holds at
// most one pending phase gate at a time; a duplicate create returns the
// existing gate instead of stacking a second one.
func (r *Router) Create(ctx context.Context, req CreateRequest) (*store.Approval, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("approval requires a session id")
	}

	if req.Type == store.ApprovalPhaseGate {
		existing, err := r.store.ListApprovals(ctx, store.ApprovalFilter{
			SessionID: req.SessionID,
			Type:      store.ApprovalPhaseGate,
			Status:    store.ApprovalPending,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to check pending gates: %w", err)
		}
		if len(existing) > 0 {
			r.logger.Debug("phase gate already pending",
				zap.String("session_id", req.SessionID),
				zap.String("approval_id", existing[0].ID))
			return existing[0], nil
		}
	}

	a := &store.Approval{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Type:      req.Type,
		Status:    store.ApprovalPending,
		Summary:   req.Summary,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}

	// Mark the id known before the insert: the bridge polls the same table
	// and must not re-announce a row the router is about to announce itself.
	if r.bridge != nil {
		r.bridge.MarkKnown(a.ID)
	}
	if err := r.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	r.logger.Info("approval created",
		zap.String("approval_id", a.ID),
		zap.String("session_id", a.SessionID),
		zap.String("type", string(a.Type)))
	r.bus.Publish(events.Event{
		Kind:       events.KindApprovalNew,
		SessionID:  a.SessionID,
		AgentID:    a.AgentID,
		ApprovalID: a.ID,
		Text:       a.Summary,
		Status:     string(a.Type),
	})
	return a, nil
}

// Resolve marks a pending approval approved or rejected. Resolution is
// final: resolving a non-pending approval is an error.
func (r *Router) Resolve(ctx context.Context, id string, status store.ApprovalStatus, resolvedBy, response string) (*store.Approval, error) {
	if status != store.ApprovalApproved && status != store.ApprovalRejected {
		return nil, fmt.Errorf("invalid resolution status %q", status)
	}
	a, err := r.store.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval %s: %w", id, err)
	}
	if a.Status != store.ApprovalPending {
		return nil, fmt.Errorf("approval %s already resolved (%s)", id, a.Status)
	}

	now := time.Now().UTC()
	a.Status = status
	a.ResolvedBy = resolvedBy
	a.Response = response
	a.ResolvedAt = &now
	if err := r.store.UpdateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to resolve approval %s: %w", id, err)
	}

	r.logger.Info("approval resolved",
		zap.String("approval_id", a.ID),
		zap.String("status", string(status)),
		zap.String("resolved_by", resolvedBy))
	r.bus.Publish(events.Event{
		Kind:       events.KindApprovalResolved,
		SessionID:  a.SessionID,
		AgentID:    a.AgentID,
		ApprovalID: a.ID,
		Status:     string(status),
		Text:       response,
	})
	return a, nil
}

// ListPending returns the pending approvals for a session (all sessions when
// sessionID is empty), oldest first.
func (r *Router) ListPending(ctx context.Context, sessionID string) ([]*store.Approval, error) {
	return r.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: sessionID,
		Status:    store.ApprovalPending,
	})
}
