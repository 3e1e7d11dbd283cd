package approval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// DefaultPollInterval is how often the bridge scans for foreign approvals.
const DefaultPollInterval = 2 * time.Second

// Bridge surfaces approvals written by other processes. The MCP sidecar has
// no handle on the daemon's bus, so it inserts approval rows directly; the
// bridge polls the table and announces any pending row it has not seen.
type Bridge struct {
	store    store.Store
	bus      *events.Bus
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

// NewBridge creates a bridge polling at interval (DefaultPollInterval when
// zero).
func NewBridge(st store.Store, bus *events.Bus, interval time.Duration, logger *zap.Logger) *Bridge {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:    st,
		bus:      bus,
		interval: interval,
		logger:   logger.Named("approval.bridge"),
		known:    make(map[string]struct{}),
	}
}

// MarkKnown suppresses future announcements for an approval id. The router
// calls this before inserting its own rows.
func (b *Bridge) MarkKnown(id string) {
	b.mu.Lock()
	b.known[id] = struct{}{}
	b.mu.Unlock()
}

// Seed marks every currently pending approval as known without announcing
// it. Called once at startup, before recovery re-announces what it wants to.
func (b *Bridge) Seed(ctx context.Context) error {
	pending, err := b.store.ListApprovals(ctx, store.ApprovalFilter{Status: store.ApprovalPending})
	if err != nil {
		return err
	}
	for _, a := range pending {
		b.MarkKnown(a.ID)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

func (b *Bridge) poll(ctx context.Context) {
	pending, err := b.store.ListApprovals(ctx, store.ApprovalFilter{Status: store.ApprovalPending})
	if err != nil {
		b.logger.Warn("approval poll failed", zap.Error(err))
		return
	}
	for _, a := range pending {
		b.mu.Lock()
		_, seen := b.known[a.ID]
		if !seen {
			b.known[a.ID] = struct{}{}
		}
		b.mu.Unlock()
		if seen {
			continue
		}
		b.logger.Info("bridged foreign approval",
			zap.String("approval_id", a.ID),
			zap.String("session_id", a.SessionID),
			zap.String("type", string(a.Type)))
		b.bus.Publish(events.Event{
			Kind:       events.KindApprovalNew,
			SessionID:  a.SessionID,
			AgentID:    a.AgentID,
			ApprovalID: a.ID,
			Text:       a.Summary,
			Status:     string(a.Type),
		})
	}
}
