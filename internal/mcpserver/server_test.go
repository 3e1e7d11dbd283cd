package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	cfg := DefaultConfig()
	cfg.AgentID = "ag-1"
	cfg.SessionID = "sess-1"
	cfg.PollInterval = 10 * time.Millisecond
	srv, err := NewServer(cfg, st)
	require.NoError(t, err)

	require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{
		ID:        "ag-1",
		SessionID: "sess-1",
		PhaseID:   "ph-1",
		AgentType: "claude",
		Status:    store.AgentRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	return srv, st
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentID = ""
	cfg.SessionID = "sess-1"
	require.Error(t, cfg.Validate())

	cfg.AgentID = "ag-1"
	require.NoError(t, cfg.Validate())

	cfg.PollInterval = 0
	require.Error(t, cfg.Validate())
}

func TestSignalCompletion(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, out, err := srv.signalCompletion(ctx, nil, signalCompletionInput{Summary: "refactored the parser"})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Signal)

	a, err := st.GetAgent(ctx, "ag-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, a.Status)
	assert.Equal(t, "done", a.CompletionSignal)
	assert.Equal(t, "refactored the parser", a.PhaseSummary)

	// A second signal on a terminal agent is refused.
	_, _, err = srv.signalCompletion(ctx, nil, signalCompletionInput{Summary: "again"})
	require.Error(t, err)
}

func TestSignalCompletionIterate(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.signalCompletion(ctx, nil, signalCompletionInput{Signal: "iterate", Summary: "needs another pass"})
	require.NoError(t, err)
	a, err := st.GetAgent(ctx, "ag-1")
	require.NoError(t, err)
	assert.Equal(t, "iterate", a.CompletionSignal)
}

func TestSignalCompletionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.signalCompletion(ctx, nil, signalCompletionInput{Summary: ""})
	require.Error(t, err)
	_, _, err = srv.signalCompletion(ctx, nil, signalCompletionInput{Signal: "maybe", Summary: "x"})
	require.Error(t, err)
}

func TestRequestApprovalNoWait(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, out, err := srv.requestApproval(ctx, nil, requestApprovalInput{
		Summary: "may I delete the cache?",
		NoWait:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, string(store.ApprovalPending), out.Status)

	ap, err := st.GetApproval(ctx, out.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalDecision, ap.Type)
	assert.Equal(t, "ag-1", ap.AgentID)
	assert.Equal(t, "sess-1", ap.SessionID)
}

func TestRequestApprovalBlocksUntilResolved(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	type result struct {
		out requestApprovalOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, out, err := srv.requestApproval(ctx, nil, requestApprovalInput{
			Type:    "needs_input",
			Summary: "which database should I target?",
		})
		done <- result{out, err}
	}()

	// Resolve the row the way the daemon would, in another goroutine.
	var apID string
	require.Eventually(t, func() bool {
		aps, err := st.ListApprovals(ctx, store.ApprovalFilter{SessionID: "sess-1", Status: store.ApprovalPending})
		if err != nil || len(aps) == 0 {
			return false
		}
		apID = aps[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	ap, err := st.GetApproval(ctx, apID)
	require.NoError(t, err)
	ap.Status = store.ApprovalApproved
	ap.Response = "use staging"
	require.NoError(t, st.UpdateApproval(ctx, ap))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, string(store.ApprovalApproved), r.out.Status)
		assert.Equal(t, "use staging", r.out.Response)
	case <-time.After(3 * time.Second):
		t.Fatal("request_approval did not unblock")
	}
}

func TestRequestApprovalContextCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := srv.requestApproval(ctx, nil, requestApprovalInput{Summary: "anyone there?"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReportSummary(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, out, err := srv.reportSummary(ctx, nil, reportSummaryInput{Text: "halfway through the migration"})
	require.NoError(t, err)
	assert.Equal(t, "ag-1", out.AgentID)

	a, err := st.GetAgent(ctx, "ag-1")
	require.NoError(t, err)
	assert.Equal(t, "halfway through the migration", a.PhaseSummary)
	assert.Equal(t, store.AgentRunning, a.Status, "reporting a summary does not complete the phase")

	_, _, err = srv.reportSummary(ctx, nil, reportSummaryInput{})
	require.Error(t, err)
}
