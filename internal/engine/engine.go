package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/blobstore"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/worktree"
)

// DefaultMaxIterations caps loops whose phase sets no explicit limit.
const DefaultMaxIterations = 20

var (
	// ErrWorkflowEmpty rejects starting a workflow with zero phases.
	ErrWorkflowEmpty = errors.New("workflow has no phases")
	// ErrWorkspaceEmpty rejects a workspace with zero repositories.
	ErrWorkspaceEmpty = errors.New("workspace has no repositories")
	// ErrGatePending refuses an agent launch while a phase gate is open.
	ErrGatePending = errors.New("phase gate approval is pending")
	// ErrInPlaceConflict enforces the single-writer rule for in-place modes.
	ErrInPlaceConflict = errors.New("another agent is already running in-place in this workspace")
	// ErrPauseWhileWaiting preserves the pause/resume asymmetry: a session
	// waiting on an approval has no agent to kill.
	ErrPauseWhileWaiting = errors.New("cannot pause a session that is waiting for approval")
	// ErrNotPausable rejects pausing a session that is not active.
	ErrNotPausable = errors.New("only active sessions can be paused")
	// ErrNotResumable rejects resuming a session that is neither paused nor
	// waiting for approval.
	ErrNotResumable = errors.New("session is not paused")
)

// AgentRunner is the slice of the agent manager the engine drives.
type AgentRunner interface {
	SpawnAgent(ctx context.Context, req agent.SpawnRequest) (*store.Agent, error)
	SendInput(ctx context.Context, agentID, text string) error
	KillAgent(ctx context.Context, agentID string) error
	RespondEscalation(ctx context.Context, a *store.Approval, approved bool) error
	Live(agentID string) bool
}

// Provisioner is the slice of the worktree manager the engine drives.
type Provisioner interface {
	Validate(path string) error
	Provision(ctx context.Context, req worktree.ProvisionRequest) (*worktree.Provision, error)
	Remove(ctx context.Context, repos []store.Repo, p *worktree.Provision) error
}

// Engine owns session state transitions.
type Engine struct {
	store  store.Store
	blobs  blobstore.Store
	bus    *events.Bus
	router *approval.Router
	agents AgentRunner
	trees  Provisioner
	logger *zap.Logger

	// mu serializes every state transition; parallelism lives in the child
	// processes, not here.
	mu sync.Mutex
}

// New creates an engine.
func New(st store.Store, blobs blobstore.Store, bus *events.Bus, router *approval.Router, agents AgentRunner, trees Provisioner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		blobs:  blobs,
		bus:    bus,
		router: router,
		agents: agents,
		trees:  trees,
		logger: logger.Named("engine"),
	}
}

// gatePayload is the opaque payload of a phase_gate approval.
type gatePayload struct {
	Policy       string `json:"policy"`
	PhaseOrdinal int    `json:"phase_ordinal"`
	LoopDecision bool   `json:"loop_decision,omitempty"`
	LoopTarget   int    `json:"loop_target,omitempty"`
}

// StartSession validates the workflow and workspace, creates the session at
// the first phase, and either gates or launches.
func (e *Engine) StartSession(ctx context.Context, workflowID, workspaceID, sessionContext string, gitStrategy *store.GitStrategy) (*store.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if len(wf.Phases) == 0 {
		return nil, ErrWorkflowEmpty
	}
	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	if len(ws.Repos) == 0 {
		return nil, ErrWorkspaceEmpty
	}
	for _, r := range ws.Repos {
		if err := e.trees.Validate(r.Path); err != nil {
			return nil, err
		}
	}

	first := wf.Phases[0]
	for _, p := range wf.Phases[1:] {
		if p.Ordinal < first.Ordinal {
			first = p
		}
	}

	now := time.Now().UTC()
	s := &store.Session{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		WorkspaceID:  workspaceID,
		Status:       store.SessionActive,
		CurrentPhase: first.Ordinal,
		Context:      sessionContext,
		GitStrategy:  gitStrategy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	e.publishSession(s)
	e.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("workflow_id", workflowID),
		zap.Int("phase", first.Ordinal))

	if first.Approval == store.PolicyBefore {
		if err := e.createGate(ctx, s, &first, "", false, 0); err != nil {
			return nil, err
		}
	} else if err := e.launchPhase(ctx, s, wf, &first); err != nil {
		return nil, err
	}
	return e.store.GetSession(ctx, s.ID)
}

// AdvancePhase moves the session to the next ordinal, completing the session
// when none remains.
func (e *Engine) AdvancePhase(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	return e.advance(ctx, s)
}

func (e *Engine) advance(ctx context.Context, s *store.Session) error {
	wf, err := e.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	next := wf.PhaseByOrdinal(s.CurrentPhase + 1)
	if next == nil {
		s.Status = store.SessionCompleted
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
		e.publishSession(s)
		e.logger.Info("session completed", zap.String("session_id", s.ID))
		return nil
	}

	s.CurrentPhase = next.Ordinal
	if s.LoopState != nil && next.Ordinal > s.LoopState.OriginOrdinal {
		s.LoopState = nil
	}
	s.Status = store.SessionActive
	s.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to advance session: %w", err)
	}
	e.bus.Publish(events.Event{Kind: events.KindPhaseAdvanced, SessionID: s.ID, Phase: next.Ordinal})

	if next.Approval == store.PolicyBefore {
		return e.createGate(ctx, s, next, "", false, 0)
	}
	return e.launchPhase(ctx, s, wf, next)
}

// LaunchPhaseAgent launches the session's current phase agent.
func (e *Engine) LaunchPhaseAgent(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, wf, phase, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.launchPhase(ctx, s, wf, phase)
}

func (e *Engine) loadCurrent(ctx context.Context, sessionID string) (*store.Session, *store.Workflow, *store.Phase, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	wf, err := e.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	phase := wf.PhaseByOrdinal(s.CurrentPhase)
	if phase == nil {
		return nil, nil, nil, fmt.Errorf("session %s points at unknown phase ordinal %d", s.ID, s.CurrentPhase)
	}
	return s, wf, phase, nil
}

func (e *Engine) launchPhase(ctx context.Context, s *store.Session, wf *store.Workflow, phase *store.Phase) error {
	pendingGates, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: s.ID,
		Type:      store.ApprovalPhaseGate,
		Status:    store.ApprovalPending,
	})
	if err != nil {
		return fmt.Errorf("failed to check pending gates: %w", err)
	}
	if len(pendingGates) > 0 {
		return ErrGatePending
	}

	ws, err := e.store.GetWorkspace(ctx, s.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}

	strategy := store.GitStrategy{Type: "worktree"}
	if s.GitStrategy != nil {
		strategy = *s.GitStrategy
	}
	if phase.Config.GitStrategy != nil {
		strategy = *phase.Config.GitStrategy
	}

	if strategy.IsInPlace() {
		if err := e.checkInPlaceConflict(ctx, ws); err != nil {
			return err
		}
	}

	prov, err := e.trees.Provision(ctx, worktree.ProvisionRequest{
		Repos:    ws.Repos,
		Strategy: strategy,
		Slug:     phase.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to provision working directory: %w", err)
	}

	prompt, err := e.assemblePrompt(ctx, s, wf, phase)
	if err != nil {
		return err
	}
	e.logPromptDebug(s.ID, phase, prompt)

	req := agent.SpawnRequest{
		SessionID:        s.ID,
		PhaseID:          phase.ID,
		AgentType:        phase.Config.AgentType,
		Prompt:           prompt,
		SystemPreamble:   e.systemPreamble(s, wf, phase),
		WorkDir:          prov.Path,
		Branch:           prov.Branch,
		PermissionMode:   phase.Config.PermissionMode,
		AllowedTools:     phase.AllowedTools,
		WorktreeManifest: prov.Manifest,
	}
	if len(prov.Manifest) == 0 {
		req.WorktreePath = prov.Path
	}

	spawned, err := e.agents.SpawnAgent(ctx, req)
	if err != nil {
		e.bus.NonFatal(s.ID, "", e.trees.Remove(context.WithoutCancel(ctx), ws.Repos, prov))
		return fmt.Errorf("failed to spawn phase agent: %w", err)
	}
	e.logger.Info("phase agent launched",
		zap.String("session_id", s.ID),
		zap.Int("phase", phase.Ordinal),
		zap.String("agent_id", spawned.ID))

	if s.Status != store.SessionActive {
		s.Status = store.SessionActive
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return err
		}
		e.publishSession(s)
	}
	return nil
}

// checkInPlaceConflict enforces at most one live in-place agent per
// workspace.
func (e *Engine) checkInPlaceConflict(ctx context.Context, ws *store.Workspace) error {
	repoPaths := make(map[string]struct{}, len(ws.Repos))
	for _, r := range ws.Repos {
		repoPaths[r.Path] = struct{}{}
	}
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, other := range sessions {
		if other.WorkspaceID != ws.ID {
			continue
		}
		live, err := e.store.ListAgents(ctx, store.AgentFilter{
			SessionID: other.ID,
			Statuses:  store.LiveAgentStatuses,
		})
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}
		for _, a := range live {
			if _, inPlace := repoPaths[a.WorktreePath]; inPlace {
				return fmt.Errorf("%w (agent %s)", ErrInPlaceConflict, a.ID)
			}
			for _, wt := range a.WorktreeManifest {
				if _, inPlace := repoPaths[wt.Path]; inPlace {
					return fmt.Errorf("%w (agent %s)", ErrInPlaceConflict, a.ID)
				}
			}
		}
	}
	return nil
}

// createGate opens a phase gate and parks the session on it.
func (e *Engine) createGate(ctx context.Context, s *store.Session, phase *store.Phase, prefix string, loopDecision bool, loopTarget int) error {
	policy := string(phase.Approval)
	summary := fmt.Sprintf("%sApprove phase %d (%s)", prefix, phase.Ordinal, phase.Name)
	if loopDecision {
		summary = fmt.Sprintf("%sLoop phase %d (%s) again?", prefix, phase.Ordinal, phase.Name)
	} else if phase.Approval == store.PolicyAfter {
		summary = fmt.Sprintf("%sReview phase %d (%s)", prefix, phase.Ordinal, phase.Name)
	}

	payload, err := json.Marshal(gatePayload{
		Policy:       policy,
		PhaseOrdinal: phase.Ordinal,
		LoopDecision: loopDecision,
		LoopTarget:   loopTarget,
	})
	if err != nil {
		return err
	}
	if _, err := e.router.Create(ctx, approval.CreateRequest{
		SessionID: s.ID,
		Type:      store.ApprovalPhaseGate,
		Summary:   summary,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("failed to create phase gate: %w", err)
	}

	if s.Status != store.SessionWaitingApproval {
		s.Status = store.SessionWaitingApproval
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("failed to park session on gate: %w", err)
		}
		e.publishSession(s)
	}
	return nil
}

// HandlePhaseComplete reacts to an agent reaching a terminal state.
func (e *Engine) HandlePhaseComplete(ctx context.Context, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	s, err := e.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s.Status == store.SessionCompleted || s.Status == store.SessionPaused {
		return nil
	}
	wf, err := e.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	phase, err := e.store.GetPhase(ctx, a.PhaseID)
	if err != nil {
		return fmt.Errorf("failed to load phase: %w", err)
	}

	if a.Status == store.AgentFailed {
		e.logger.Warn("phase agent failed, pausing session",
			zap.String("session_id", s.ID),
			zap.String("agent_id", a.ID))
		s.Status = store.SessionPaused
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return err
		}
		e.publishSession(s)
		return nil
	}

	e.storePhaseArtifact(ctx, s, phase, a)

	loopTarget, loopValid := e.loopTarget(wf, phase)
	switch {
	case loopValid && phase.Config.LoopCondition == store.LoopOnApproval:
		return e.createGate(ctx, s, phase, "", true, loopTarget)
	case loopValid && a.CompletionSignal == "iterate" && e.iterations(s) < maxIterations(phase):
		return e.executeLoop(ctx, s, wf, phase, loopTarget)
	case phase.Approval == store.PolicyAfter:
		return e.createGate(ctx, s, phase, "", false, 0)
	default:
		return e.advance(ctx, s)
	}
}

func (e *Engine) loopTarget(wf *store.Workflow, phase *store.Phase) (int, bool) {
	if phase.Config.LoopTo == nil {
		return 0, false
	}
	if wf.PhaseByOrdinal(*phase.Config.LoopTo) == nil {
		return 0, false
	}
	return *phase.Config.LoopTo, true
}

func (e *Engine) iterations(s *store.Session) int {
	if s.LoopState == nil {
		return 0
	}
	return s.LoopState.Iterations
}

func maxIterations(phase *store.Phase) int {
	if phase.Config.MaxIterations > 0 {
		return phase.Config.MaxIterations
	}
	return DefaultMaxIterations
}

// executeLoop jumps the session back to the loop target and re-launches.
func (e *Engine) executeLoop(ctx context.Context, s *store.Session, wf *store.Workflow, origin *store.Phase, target int) error {
	s.LoopState = &store.LoopState{
		Iterations:    e.iterations(s) + 1,
		OriginOrdinal: origin.Ordinal,
	}
	s.CurrentPhase = target
	s.Status = store.SessionActive
	s.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to record loop: %w", err)
	}
	e.bus.Publish(events.Event{Kind: events.KindPhaseAdvanced, SessionID: s.ID, Phase: target})
	e.logger.Info("looping",
		zap.String("session_id", s.ID),
		zap.Int("iteration", s.LoopState.Iterations),
		zap.Int("target", target))

	targetPhase := wf.PhaseByOrdinal(target)
	return e.launchPhase(ctx, s, wf, targetPhase)
}

// HandleApprovalResolved routes a resolved approval by type.
func (e *Engine) HandleApprovalResolved(ctx context.Context, approvalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("failed to load approval: %w", err)
	}
	approved := ap.Status == store.ApprovalApproved

	switch ap.Type {
	case store.ApprovalPhaseGate:
		return e.handleGateResolved(ctx, ap, approved)
	case store.ApprovalEscalation:
		if err := e.agents.RespondEscalation(ctx, ap, approved); err != nil {
			// The process may have moved on; escalation delivery is
			// best-effort.
			e.bus.NonFatal(ap.SessionID, ap.AgentID, err)
		}
		return nil
	case store.ApprovalAgentIdle, store.ApprovalNeedsInput:
		return e.handleIdleResolved(ctx, ap, approved)
	default:
		return nil
	}
}

func (e *Engine) handleGateResolved(ctx context.Context, ap *store.Approval, approved bool) error {
	var payload gatePayload
	if err := json.Unmarshal(ap.Payload, &payload); err != nil {
		// Malformed payloads are treated as absent: fall back to a plain
		// before-gate for the current phase.
		payload = gatePayload{Policy: string(store.PolicyBefore)}
	}

	s, wf, phase, err := e.loadCurrent(ctx, ap.SessionID)
	if err != nil {
		return err
	}

	switch {
	case approved && payload.LoopDecision:
		return e.executeLoop(ctx, s, wf, phase, payload.LoopTarget)
	case approved && payload.Policy == string(store.PolicyAfter):
		return e.advance(ctx, s)
	case approved:
		return e.launchPhase(ctx, s, wf, phase)
	case payload.LoopDecision:
		// Rejecting a loop decision means "don't loop": advance normally.
		return e.advance(ctx, s)
	default:
		// Rejecting a phase gate does not destroy the session; re-arm the
		// same gate and keep waiting.
		return e.createGate(ctx, s, phase, "[Retry] ", false, 0)
	}
}

func (e *Engine) handleIdleResolved(ctx context.Context, ap *store.Approval, approved bool) error {
	if ap.AgentID == "" {
		return nil
	}
	if !approved {
		if err := e.agents.KillAgent(ctx, ap.AgentID); err != nil {
			e.bus.NonFatal(ap.SessionID, ap.AgentID, err)
		}
		return nil
	}

	input := ap.Response
	if input == "" {
		input = "Continue."
	}
	if err := e.agents.SendInput(ctx, ap.AgentID, input); err != nil {
		return fmt.Errorf("failed to forward input to agent: %w", err)
	}

	s, err := e.store.GetSession(ctx, ap.SessionID)
	if err != nil {
		return err
	}
	if s.Status == store.SessionWaitingApproval {
		s.Status = store.SessionActive
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return err
		}
		e.publishSession(s)
	}
	return nil
}

// PauseSession kills the session's live agents and parks it. Pausing is
// refused while the session waits on an approval: there is no agent to kill
// and the pending gate keeps the state recoverable.
func (e *Engine) PauseSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s.Status == store.SessionWaitingApproval {
		return ErrPauseWhileWaiting
	}
	if s.Status != store.SessionActive {
		return ErrNotPausable
	}

	live, err := e.store.ListAgents(ctx, store.AgentFilter{
		SessionID: sessionID,
		Statuses:  store.LiveAgentStatuses,
	})
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	for _, a := range live {
		if err := e.agents.KillAgent(ctx, a.ID); err != nil {
			e.bus.NonFatal(sessionID, a.ID, err)
		}
	}

	s.Status = store.SessionPaused
	s.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	e.publishSession(s)
	return nil
}

// ResumeSession re-evaluates the current phase's gate policy and either
// re-arms the gate or relaunches the phase agent.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, wf, phase, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != store.SessionPaused && s.Status != store.SessionWaitingApproval {
		return ErrNotResumable
	}

	if phase.Approval == store.PolicyBefore {
		pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
			SessionID: sessionID,
			Type:      store.ApprovalPhaseGate,
			Status:    store.ApprovalPending,
		})
		if err != nil {
			return fmt.Errorf("failed to check pending gates: %w", err)
		}
		if len(pending) == 0 {
			return e.createGate(ctx, s, phase, "", false, 0)
		}
		if s.Status != store.SessionWaitingApproval {
			s.Status = store.SessionWaitingApproval
			s.UpdatedAt = time.Now().UTC()
			if err := e.store.UpdateSession(ctx, s); err != nil {
				return err
			}
			e.publishSession(s)
		}
		return nil
	}
	return e.launchPhase(ctx, s, wf, phase)
}

// RecoverSessions heals inconsistent sessions after a restart.
func (e *Engine) RecoverSessions(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		switch s.Status {
		case store.SessionActive:
			if err := e.recoverActive(ctx, s); err != nil {
				e.bus.NonFatal(s.ID, "", err)
			}
		case store.SessionWaitingApproval:
			if err := e.recoverWaiting(ctx, s); err != nil {
				e.bus.NonFatal(s.ID, "", err)
			}
		}
	}
	return nil
}

// recoverActive demotes an active session whose processes died with the
// previous daemon. Orphaned live agent rows are failed so the in-place guard
// and UI do not see ghosts.
func (e *Engine) recoverActive(ctx context.Context, s *store.Session) error {
	rows, err := e.store.ListAgents(ctx, store.AgentFilter{
		SessionID: s.ID,
		Statuses:  store.LiveAgentStatuses,
	})
	if err != nil {
		return err
	}
	anyLive := false
	for _, a := range rows {
		if e.agents.Live(a.ID) {
			anyLive = true
			continue
		}
		a.Status = store.AgentFailed
		a.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateAgent(ctx, a); err != nil {
			return err
		}
	}
	if anyLive {
		return nil
	}

	s.Status = store.SessionPaused
	s.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	e.publishSession(s)
	e.logger.Info("recovered orphaned session to paused", zap.String("session_id", s.ID))
	return nil
}

// recoverWaiting re-arms a lost gate, or demotes the session to paused when
// the phase no longer requires one.
func (e *Engine) recoverWaiting(ctx context.Context, s *store.Session) error {
	pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: s.ID,
		Type:      store.ApprovalPhaseGate,
		Status:    store.ApprovalPending,
	})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return err
	}
	phase := wf.PhaseByOrdinal(s.CurrentPhase)
	if phase == nil || phase.Approval == store.PolicyNone {
		s.Status = store.SessionPaused
		s.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, s); err != nil {
			return err
		}
		e.publishSession(s)
		return nil
	}
	return e.createGate(ctx, s, phase, "[Recovered] ", false, 0)
}

// DeleteSession kills live agents, removes worktrees best-effort, and
// deletes dependent rows in dependency order.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	ws, err := e.store.GetWorkspace(ctx, s.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}

	agents, err := e.store.ListAgents(ctx, store.AgentFilter{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	repoPaths := make(map[string]struct{}, len(ws.Repos))
	for _, r := range ws.Repos {
		repoPaths[r.Path] = struct{}{}
	}

	for _, a := range agents {
		if !a.Status.Terminal() {
			if err := e.agents.KillAgent(ctx, a.ID); err != nil {
				e.bus.NonFatal(sessionID, a.ID, err)
			}
		}
		prov := &worktree.Provision{
			Path:     a.WorktreePath,
			Branch:   a.Branch,
			Manifest: a.WorktreeManifest,
		}
		if _, inPlace := repoPaths[a.WorktreePath]; inPlace {
			prov.InPlace = true
		}
		if err := e.trees.Remove(ctx, ws.Repos, prov); err != nil {
			e.bus.NonFatal(sessionID, a.ID, err)
		}
	}

	// Dependency order: messages → approvals → agents → session, then the
	// session's blob tree.
	for _, a := range agents {
		if err := e.store.DeleteMessages(ctx, a.ID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
	}
	approvals, err := e.store.ListApprovals(ctx, store.ApprovalFilter{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}
	for _, ap := range approvals {
		if err := e.store.DeleteApproval(ctx, ap.ID); err != nil {
			return fmt.Errorf("failed to delete approval: %w", err)
		}
	}
	for _, a := range agents {
		if err := e.store.DeleteAgent(ctx, a.ID); err != nil {
			return fmt.Errorf("failed to delete agent: %w", err)
		}
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := e.blobs.DeleteTree("sessions/" + sessionID); err != nil {
		e.bus.NonFatal(sessionID, "", err)
	}
	return nil
}

func (e *Engine) publishSession(s *store.Session) {
	e.bus.Publish(events.Event{
		Kind:      events.KindSessionStatus,
		SessionID: s.ID,
		Status:    string(s.Status),
		Phase:     s.CurrentPhase,
	})
}
