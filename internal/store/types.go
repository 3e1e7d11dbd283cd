package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a workflow session.
type SessionStatus string

const (
	SessionActive          SessionStatus = "active"
	SessionPaused          SessionStatus = "paused"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCompleted       SessionStatus = "completed"
)

// AgentStatus is the lifecycle state of a spawned agent subprocess.
// Completed and Failed are sticky: no later event may revert them.
type AgentStatus string

const (
	AgentSpawning  AgentStatus = "spawning"
	AgentRunning   AgentStatus = "running"
	AgentWaiting   AgentStatus = "waiting"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is sticky.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// ApprovalType classifies a pending decision.
type ApprovalType string

const (
	ApprovalPhaseGate  ApprovalType = "phase_gate"
	ApprovalEscalation ApprovalType = "escalation"
	ApprovalAgentIdle  ApprovalType = "agent_idle"
	ApprovalNeedsInput ApprovalType = "needs_input"
	ApprovalDecision   ApprovalType = "decision"
)

// ApprovalStatus is the resolution state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// MessageType classifies a transcript entry.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageResult    MessageType = "result"
	MessageSystem    MessageType = "system"
)

// ApprovalPolicy controls whether a phase gates on human review.
type ApprovalPolicy string

const (
	PolicyNone   ApprovalPolicy = "none"
	PolicyBefore ApprovalPolicy = "before"
	PolicyAfter  ApprovalPolicy = "after"
)

// RelayMode controls how much prior-phase context is carried forward.
type RelayMode string

const (
	RelayOff      RelayMode = "off"
	RelaySummary  RelayMode = "summary"
	RelayPrevious RelayMode = "previous"
	RelayAll      RelayMode = "all"
)

// LoopCondition decides how a looping phase chooses between iterating and
// advancing.
type LoopCondition string

const (
	LoopOnAgentSignal LoopCondition = "agent_signal"
	LoopOnApproval    LoopCondition = "approval"
)

// GitStrategy describes the git isolation a phase's agent runs under.
type GitStrategy struct {
	// Type is "worktree" (fresh branch + worktree), "main" (in-place on the
	// current checkout) or "branch" (a named branch).
	Type string `json:"type"`
	// Branch names the branch for Type "branch".
	Branch string `json:"branch,omitempty"`
	// CreateBranch creates the named branch if it does not exist.
	CreateBranch bool `json:"create_branch,omitempty"`
	// InPlace checks the named branch out in the primary working tree
	// instead of a dedicated worktree. Only meaningful for Type "branch".
	InPlace bool `json:"in_place,omitempty"`
}

// IsInPlace reports whether this strategy mutates the primary working tree.
func (g GitStrategy) IsInPlace() bool {
	return g.Type == "main" || (g.Type == "branch" && g.InPlace)
}

// PhaseConfig is the per-phase config bag. It is persisted as JSON; a decode
// failure is treated identically to an absent config.
type PhaseConfig struct {
	PermissionMode string        `json:"permission_mode,omitempty"`
	AgentType      string        `json:"agent_type,omitempty"`
	GitStrategy    *GitStrategy  `json:"git_strategy,omitempty"`
	RelayMode      RelayMode     `json:"relay_mode,omitempty"`
	LoopTo         *int          `json:"loop_to,omitempty"`
	MaxIterations  int           `json:"max_iterations,omitempty"`
	LoopCondition  LoopCondition `json:"loop_condition,omitempty"`
}

// Workflow is an ordered list of phases.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phases    []Phase   `json:"phases"`
	CreatedAt time.Time `json:"created_at"`
}

// PhaseByOrdinal returns the phase with the given ordinal, or nil.
func (w *Workflow) PhaseByOrdinal(ordinal int) *Phase {
	for i := range w.Phases {
		if w.Phases[i].Ordinal == ordinal {
			return &w.Phases[i]
		}
	}
	return nil
}

// Phase is one ordered step of a workflow.
type Phase struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Ordinal      int             `json:"ordinal"`
	Name         string          `json:"name"`
	Prompt       string          `json:"prompt"`
	AllowedTools []string        `json:"allowed_tools,omitempty"`
	SubAgents    json.RawMessage `json:"sub_agents,omitempty"`
	Approval     ApprovalPolicy  `json:"approval"`
	Config       PhaseConfig     `json:"config"`
}

// LoopState tracks an in-progress loop within a session.
type LoopState struct {
	Iterations    int `json:"iterations"`
	OriginOrdinal int `json:"origin_ordinal"`
}

// Session is one running instance of a workflow against a workspace.
// Owned exclusively by the workflow engine.
type Session struct {
	ID           string        `json:"id"`
	WorkflowID   string        `json:"workflow_id"`
	WorkspaceID  string        `json:"workspace_id"`
	Status       SessionStatus `json:"status"`
	CurrentPhase int           `json:"current_phase"`
	Context      string        `json:"context,omitempty"`
	LoopState    *LoopState    `json:"loop_state,omitempty"`
	GitStrategy  *GitStrategy  `json:"git_strategy,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RepoWorktree is one entry of a multi-repository worktree manifest.
type RepoWorktree struct {
	Repo string `json:"repo"`
	Path string `json:"path"`
}

// Agent is one spawned CLI subprocess instance executing a phase.
// Owned by the agent manager while its process is live.
type Agent struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	PhaseID   string      `json:"phase_id"`
	AgentType string      `json:"agent_type"`
	Status    AgentStatus `json:"status"`
	// WorktreePath and WorktreeManifest are mutually exclusive: the former
	// for single-repo isolation, the latter for multi-repo workspaces.
	WorktreePath     string         `json:"worktree_path,omitempty"`
	WorktreeManifest []RepoWorktree `json:"worktree_manifest,omitempty"`
	Branch           string         `json:"branch,omitempty"`
	ResumeToken      string         `json:"resume_token,omitempty"`
	CompletionSignal string         `json:"completion_signal,omitempty"`
	PhaseSummary     string         `json:"phase_summary,omitempty"`
	ExitCode         *int           `json:"exit_code,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Approval is a pending decision awaiting a human or external resolver.
type Approval struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	AgentID    string          `json:"agent_id,omitempty"`
	Type       ApprovalType    `json:"type"`
	Status     ApprovalStatus  `json:"status"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	Response   string          `json:"response,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Message is one transcript entry for an agent. Content above the preview
// bound is spilled to the blob store and referenced by BlobKey.
type Message struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Type      MessageType `json:"type"`
	Preview   string      `json:"preview"`
	BlobKey   string      `json:"blob_key,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Repo is one git repository backing a workspace.
type Repo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Workspace groups the repositories a workflow session operates on.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Repos     []Repo    `json:"repos"`
	CreatedAt time.Time `json:"created_at"`
}
