package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	SessionID string
	Statuses  []AgentStatus
}

// ApprovalFilter narrows ListApprovals. Zero values match everything.
type ApprovalFilter struct {
	SessionID string
	AgentID   string
	Type      ApprovalType
	Status    ApprovalStatus
}

// Store is the persistence boundary of the orchestrator. Implementations
// must order list results by creation time and perform each write as a
// single transactional statement.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	GetPhase(ctx context.Context, id string) (*Phase, error)

	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, a *Approval) error
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error)
	DeleteApproval(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, agentID string) ([]*Message, error)
	DeleteMessages(ctx context.Context, agentID string) error

	Close() error
}

// LiveAgentStatuses are the non-terminal agent states.
var LiveAgentStatuses = []AgentStatus{AgentSpawning, AgentRunning, AgentWaiting}
