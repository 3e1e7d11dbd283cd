package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func intPtr(n int) *int { return &n }

func testWorkflow() *Workflow {
	return &Workflow{
		ID:   "wf-1",
		Name: "build-and-review",
		Phases: []Phase{
			{
				ID:       "ph-0",
				Ordinal:  0,
				Name:     "plan",
				Prompt:   "Plan the change.",
				Approval: PolicyBefore,
				Config: PhaseConfig{
					PermissionMode: "plan",
					AgentType:      "claude",
					RelayMode:      RelayOff,
				},
			},
			{
				ID:           "ph-1",
				Ordinal:      1,
				Name:         "implement",
				Prompt:       "Implement the plan.",
				AllowedTools: []string{"Bash", "Edit"},
				Approval:     PolicyNone,
				Config: PhaseConfig{
					PermissionMode: "acceptEdits",
					AgentType:      "claude",
					GitStrategy:    &GitStrategy{Type: "worktree"},
					RelayMode:      RelaySummary,
					LoopTo:         intPtr(0),
					MaxIterations:  3,
					LoopCondition:  LoopOnAgentSignal,
				},
			},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkflow(ctx, testWorkflow()))

			got, err := s.GetWorkflow(ctx, "wf-1")
			require.NoError(t, err)
			require.Len(t, got.Phases, 2)
			assert.Equal(t, "plan", got.Phases[0].Name)
			assert.Equal(t, PolicyBefore, got.Phases[0].Approval)

			impl := got.Phases[1]
			assert.Equal(t, []string{"Bash", "Edit"}, impl.AllowedTools)
			require.NotNil(t, impl.Config.LoopTo)
			assert.Equal(t, 0, *impl.Config.LoopTo)
			assert.Equal(t, 3, impl.Config.MaxIterations)
			assert.Equal(t, LoopOnAgentSignal, impl.Config.LoopCondition)
			require.NotNil(t, impl.Config.GitStrategy)
			assert.Equal(t, "worktree", impl.Config.GitStrategy.Type)
			assert.Equal(t, RelaySummary, impl.Config.RelayMode)

			phase, err := s.GetPhase(ctx, "ph-1")
			require.NoError(t, err)
			assert.Equal(t, 1, phase.Ordinal)
			assert.Equal(t, "wf-1", phase.WorkflowID)
		})
	}
}

func TestPhaseConfigJSONRoundTrip(t *testing.T) {
	cfg := PhaseConfig{
		PermissionMode: "bypassPermissions",
		AgentType:      "codex",
		GitStrategy:    &GitStrategy{Type: "branch", Branch: "release", InPlace: true},
		RelayMode:      RelayAll,
		LoopTo:         intPtr(2),
		MaxIterations:  5,
		LoopCondition:  LoopOnApproval,
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded PhaseConfig
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, cfg, decoded)
}

func TestMalformedStoredJSONTreatedAsAbsent(t *testing.T) {
	var cfg PhaseConfig
	decodeJSON("{not json", &cfg)
	assert.Equal(t, PhaseConfig{}, cfg)

	var loop *LoopState
	decodeJSON("", &loop)
	assert.Nil(t, loop)
}

func TestSessionLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := &Session{
				ID:          "sess-1",
				WorkflowID:  "wf-1",
				WorkspaceID: "ws-1",
				Status:      SessionActive,
				Context:     "fix the flaky test",
			}
			require.NoError(t, s.CreateSession(ctx, sess))

			sess.Status = SessionWaitingApproval
			sess.CurrentPhase = 1
			sess.LoopState = &LoopState{Iterations: 2, OriginOrdinal: 1}
			require.NoError(t, s.UpdateSession(ctx, sess))

			got, err := s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, SessionWaitingApproval, got.Status)
			assert.Equal(t, 1, got.CurrentPhase)
			require.NotNil(t, got.LoopState)
			assert.Equal(t, 2, got.LoopState.Iterations)

			got.LoopState = nil
			require.NoError(t, s.UpdateSession(ctx, got))
			got, err = s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Nil(t, got.LoopState)

			_, err = s.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAgentFilterAndStickyFields(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a1 := &Agent{ID: "ag-1", SessionID: "sess-1", PhaseID: "ph-0", AgentType: "claude", Status: AgentRunning}
			a2 := &Agent{ID: "ag-2", SessionID: "sess-1", PhaseID: "ph-1", AgentType: "codex", Status: AgentFailed, ExitCode: intPtr(1)}
			a3 := &Agent{ID: "ag-3", SessionID: "sess-2", PhaseID: "ph-0", AgentType: "claude", Status: AgentWaiting}
			require.NoError(t, s.CreateAgent(ctx, a1))
			require.NoError(t, s.CreateAgent(ctx, a2))
			require.NoError(t, s.CreateAgent(ctx, a3))

			live, err := s.ListAgents(ctx, AgentFilter{SessionID: "sess-1", Statuses: LiveAgentStatuses})
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, "ag-1", live[0].ID)

			got, err := s.GetAgent(ctx, "ag-2")
			require.NoError(t, err)
			require.NotNil(t, got.ExitCode)
			assert.Equal(t, 1, *got.ExitCode)
			assert.True(t, got.Status.Terminal())

			got.WorktreeManifest = []RepoWorktree{{Repo: "api", Path: "/tmp/wt/api"}}
			require.NoError(t, s.UpdateAgent(ctx, got))
			got, err = s.GetAgent(ctx, "ag-2")
			require.NoError(t, err)
			require.Len(t, got.WorktreeManifest, 1)
			assert.Equal(t, "api", got.WorktreeManifest[0].Repo)
		})
	}
}

func TestApprovalOrderingAndFilters(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Minute)
			for i, id := range []string{"ap-1", "ap-2", "ap-3"} {
				a := &Approval{
					ID:        id,
					SessionID: "sess-1",
					Type:      ApprovalPhaseGate,
					Status:    ApprovalPending,
					Summary:   "gate",
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}
				if id == "ap-2" {
					a.Type = ApprovalEscalation
					a.Payload = json.RawMessage(`{"tool":"Bash"}`)
				}
				require.NoError(t, s.CreateApproval(ctx, a))
			}

			pending, err := s.ListApprovals(ctx, ApprovalFilter{SessionID: "sess-1", Status: ApprovalPending})
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, "ap-1", pending[0].ID)

			gates, err := s.ListApprovals(ctx, ApprovalFilter{SessionID: "sess-1", Type: ApprovalPhaseGate, Status: ApprovalPending})
			require.NoError(t, err)
			assert.Len(t, gates, 2)

			now := time.Now()
			resolved := pending[1]
			resolved.Status = ApprovalApproved
			resolved.ResolvedBy = "user-1"
			resolved.Response = "go ahead"
			resolved.ResolvedAt = &now
			require.NoError(t, s.UpdateApproval(ctx, resolved))

			got, err := s.GetApproval(ctx, resolved.ID)
			require.NoError(t, err)
			assert.Equal(t, ApprovalApproved, got.Status)
			assert.Equal(t, "go ahead", got.Response)
			require.NotNil(t, got.ResolvedAt)
			assert.JSONEq(t, `{"tool":"Bash"}`, string(got.Payload))
		})
	}
}

func TestMessagesPerAgent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateMessage(ctx, &Message{ID: "m-1", AgentID: "ag-1", Type: MessageUser, Preview: "hello"}))
			require.NoError(t, s.CreateMessage(ctx, &Message{ID: "m-2", AgentID: "ag-1", Type: MessageAssistant, Preview: "hi", BlobKey: "sessions/s/agents/a/messages/m-2"}))

			msgs, err := s.ListMessages(ctx, "ag-1")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, MessageUser, msgs[0].Type)
			assert.Equal(t, "sessions/s/agents/a/messages/m-2", msgs[1].BlobKey)

			require.NoError(t, s.DeleteMessages(ctx, "ag-1"))
			msgs, err = s.ListMessages(ctx, "ag-1")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}
