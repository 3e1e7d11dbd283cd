package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/engine"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// fakeController records engine calls and returns canned results.
type fakeController struct {
	st       store.Store
	startErr error
	paused   []string
	resumed  []string
	deleted  []string
}

func (f *fakeController) StartSession(ctx context.Context, workflowID, workspaceID, sessionContext string, gitStrategy *store.GitStrategy) (*store.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	s := &store.Session{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		Status:      store.SessionActive,
		Context:     sessionContext,
		GitStrategy: gitStrategy,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := f.st.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *fakeController) PauseSession(_ context.Context, id string) error {
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeController) ResumeSession(_ context.Context, id string) error {
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeController) DeleteSession(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeBranches struct{}

func (fakeBranches) ListBranches(string) ([]string, error) { return []string{"main", "agentd/fix"}, nil }
func (fakeBranches) CurrentBranch(string) (string, error)  { return "main", nil }

type fixture struct {
	srv    *Server
	st     store.Store
	ctrl   *fakeController
	router *approval.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	bus := events.NewBus(nil)
	router := approval.NewRouter(st, bus, nil, nil)
	ctrl := &fakeController{st: st}
	srv, err := NewServer(st, ctrl, router, fakeBranches{}, nil, nil)
	require.NoError(t, err)
	return &fixture{srv: srv, st: st, ctrl: ctrl, router: router}
}

func (fx *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	fx.srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCreateAndGetWorkflow(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/workflows", `{
		"name": "fix-bug",
		"phases": [
			{"name": "plan", "prompt": "write a plan", "approval": "after"},
			{"name": "build", "prompt": "implement it", "config": {"relay_mode": "summary"}}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var wf store.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	require.Len(t, wf.Phases, 2)
	assert.Equal(t, 0, wf.Phases[0].Ordinal)
	assert.Equal(t, store.PolicyAfter, wf.Phases[0].Approval)
	assert.Equal(t, store.RelaySummary, wf.Phases[1].Config.RelayMode)

	rec = fx.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/v1/workflows/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWorkflowValidation(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/workflows", `{"name": "", "phases": [{"name": "p"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/v1/workflows", `{"name": "x", "phases": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/v1/workflows", `{"name": "x", "phases": [{"name": "p", "approval": "sometimes"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWorkspaceAndBranches(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/workspaces", `{
		"name": "app",
		"repos": [{"name": "app", "path": "/tmp/repos/app"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ws store.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))

	rec = fx.do(t, http.MethodGet, "/api/v1/workspaces/"+ws.ID+"/branches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var branches []RepoBranches
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branches))
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Current)
	assert.Contains(t, branches[0].Branches, "agentd/fix")

	rec = fx.do(t, http.MethodPost, "/api/v1/workspaces", `{"name": "x", "repos": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/sessions", `{
		"workflow_id": "wf-1",
		"workspace_id": "ws-1",
		"context": "fix the login bug",
		"git_strategy": {"type": "main"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess store.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotNil(t, sess.GitStrategy)
	assert.Equal(t, "main", sess.GitStrategy.Type)

	rec = fx.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, sess.ID, detail.Session.ID)

	rec = fx.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/pause", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = fx.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/resume", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = fx.do(t, http.MethodDelete, "/api/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, []string{sess.ID}, fx.ctrl.paused)
	assert.Equal(t, []string{sess.ID}, fx.ctrl.resumed)
	assert.Equal(t, []string{sess.ID}, fx.ctrl.deleted)
}

func TestStartSessionErrorsMapToStatus(t *testing.T) {
	fx := newFixture(t)

	fx.ctrl.startErr = engine.ErrInPlaceConflict
	rec := fx.do(t, http.MethodPost, "/api/v1/sessions", `{"workflow_id": "wf", "workspace_id": "ws"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	fx.ctrl.startErr = engine.ErrWorkflowEmpty
	rec = fx.do(t, http.MethodPost, "/api/v1/sessions", `{"workflow_id": "wf", "workspace_id": "ws"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/v1/sessions", `{"workflow_id": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalResolution(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ap, err := fx.router.Create(ctx, approval.CreateRequest{
		SessionID: "sess-1",
		Type:      store.ApprovalPhaseGate,
		Summary:   "Approve phase 0 (plan)",
	})
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/v1/approvals?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []*store.Approval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)

	rec = fx.do(t, http.MethodPost, "/api/v1/approvals/"+ap.ID+"/resolve", `{
		"status": "approved",
		"resolved_by": "alice",
		"response": "looks good"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved store.Approval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, store.ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	// Resolution is final.
	rec = fx.do(t, http.MethodPost, "/api/v1/approvals/"+ap.ID+"/resolve", `{"status": "rejected"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/v1/approvals/"+ap.ID+"/resolve", `{"status": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/v1/approvals/nope/resolve", `{"status": "approved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentMessages(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.st.CreateAgent(ctx, &store.Agent{
		ID: "ag-1", SessionID: "sess-1", PhaseID: "ph-1", AgentType: "claude",
		Status: store.AgentRunning, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, fx.st.CreateMessage(ctx, &store.Message{
		ID: "m-1", AgentID: "ag-1", Type: store.MessageAssistant, Preview: "working on it", CreatedAt: time.Now().UTC(),
	}))

	rec := fx.do(t, http.MethodGet, "/api/v1/agents/ag-1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []*store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "working on it", msgs[0].Preview)

	rec = fx.do(t, http.MethodGet, "/api/v1/agents/nope/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
