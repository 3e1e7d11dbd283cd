package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/engine"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrGatePending),
		errors.Is(err, engine.ErrInPlaceConflict),
		errors.Is(err, engine.ErrPauseWhileWaiting),
		errors.Is(err, engine.ErrNotPausable),
		errors.Is(err, engine.ErrNotResumable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrWorkflowEmpty), errors.Is(err, engine.ErrWorkspaceEmpty):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// --- workflows ---

// PhaseRequest is one phase of a workflow creation request.
type PhaseRequest struct {
	Name         string            `json:"name"`
	Prompt       string            `json:"prompt"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	SubAgents    json.RawMessage   `json:"sub_agents,omitempty"`
	Approval     string            `json:"approval,omitempty"`
	Config       store.PhaseConfig `json:"config,omitempty"`
}

// WorkflowRequest is the request body for POST /api/v1/workflows.
type WorkflowRequest struct {
	Name   string         `json:"name"`
	Phases []PhaseRequest `json:"phases"`
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	var req WorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Phases) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one phase is required")
	}

	wf := &store.Workflow{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	for i, p := range req.Phases {
		policy := store.ApprovalPolicy(p.Approval)
		if policy == "" {
			policy = store.PolicyNone
		}
		if policy != store.PolicyNone && policy != store.PolicyBefore && policy != store.PolicyAfter {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown approval policy: "+p.Approval)
		}
		wf.Phases = append(wf.Phases, store.Phase{
			ID:           uuid.NewString(),
			WorkflowID:   wf.ID,
			Ordinal:      i,
			Name:         p.Name,
			Prompt:       p.Prompt,
			AllowedTools: p.AllowedTools,
			SubAgents:    p.SubAgents,
			Approval:     policy,
			Config:       p.Config,
		})
	}

	if err := s.st.CreateWorkflow(c.Request().Context(), wf); err != nil {
		return httpError(err)
	}
	s.logger.Info("workflow created", zap.String("workflow_id", wf.ID), zap.Int("phases", len(wf.Phases)))
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	wfs, err := s.st.ListWorkflows(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wfs)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.st.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// --- workspaces ---

// WorkspaceRequest is the request body for POST /api/v1/workspaces.
type WorkspaceRequest struct {
	Name  string       `json:"name"`
	Repos []store.Repo `json:"repos"`
}

func (s *Server) handleCreateWorkspace(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Repos) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one repository is required")
	}
	for _, r := range req.Repos {
		if r.Name == "" || r.Path == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every repository needs a name and a path")
		}
	}

	ws := &store.Workspace{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Repos:     req.Repos,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.CreateWorkspace(c.Request().Context(), ws); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(c echo.Context) error {
	wss, err := s.st.ListWorkspaces(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wss)
}

// RepoBranches is one repository's branch state.
type RepoBranches struct {
	Repo     string   `json:"repo"`
	Current  string   `json:"current"`
	Branches []string `json:"branches"`
}

func (s *Server) handleWorkspaceBranches(c echo.Context) error {
	if s.trees == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "branch listing is not configured")
	}
	ws, err := s.st.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	out := make([]RepoBranches, 0, len(ws.Repos))
	for _, r := range ws.Repos {
		branches, err := s.trees.ListBranches(r.Path)
		if err != nil {
			return httpError(err)
		}
		current, err := s.trees.CurrentBranch(r.Path)
		if err != nil {
			return httpError(err)
		}
		out = append(out, RepoBranches{Repo: r.Name, Current: current, Branches: branches})
	}
	return c.JSON(http.StatusOK, out)
}

// --- sessions ---

// SessionRequest is the request body for POST /api/v1/sessions.
type SessionRequest struct {
	WorkflowID  string             `json:"workflow_id"`
	WorkspaceID string             `json:"workspace_id"`
	Context     string             `json:"context,omitempty"`
	GitStrategy *store.GitStrategy `json:"git_strategy,omitempty"`
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WorkflowID == "" || req.WorkspaceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id and workspace_id are required")
	}

	sess, err := s.eng.StartSession(c.Request().Context(), req.WorkflowID, req.WorkspaceID, req.Context, req.GitStrategy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.st.ListSessions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// SessionDetail is the response body for GET /api/v1/sessions/:id.
type SessionDetail struct {
	Session   *store.Session    `json:"session"`
	Agents    []*store.Agent    `json:"agents"`
	Approvals []*store.Approval `json:"pending_approvals"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return httpError(err)
	}
	agents, err := s.st.ListAgents(ctx, store.AgentFilter{SessionID: id})
	if err != nil {
		return httpError(err)
	}
	pending, err := s.router.ListPending(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, SessionDetail{Session: sess, Agents: agents, Approvals: pending})
}

func (s *Server) handlePauseSession(c echo.Context) error {
	if err := s.eng.PauseSession(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResumeSession(c echo.Context) error {
	if err := s.eng.ResumeSession(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.eng.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- approvals ---

func (s *Server) handleListApprovals(c echo.Context) error {
	f := store.ApprovalFilter{
		SessionID: c.QueryParam("session_id"),
		Status:    store.ApprovalStatus(c.QueryParam("status")),
		Type:      store.ApprovalType(c.QueryParam("type")),
	}
	approvals, err := s.st.ListApprovals(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, approvals)
}

// ResolveRequest is the request body for POST /api/v1/approvals/:id/resolve.
type ResolveRequest struct {
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Response   string `json:"response,omitempty"`
}

func (s *Server) handleResolveApproval(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := store.ApprovalStatus(req.Status)
	if status != store.ApprovalApproved && status != store.ApprovalRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be approved or rejected")
	}

	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "api"
	}
	// The engine reacts to the resolution through the bus; the handler only
	// records it.
	ap, err := s.router.Resolve(c.Request().Context(), c.Param("id"), status, resolvedBy, req.Response)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, ap)
}

// --- messages ---

func (s *Server) handleAgentMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.st.GetAgent(ctx, id); err != nil {
		return httpError(err)
	}
	msgs, err := s.st.ListMessages(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}
