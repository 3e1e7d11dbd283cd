package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore implements Store in memory. It is used by tests and by
// embedders that do not need persistence across restarts.
type memoryStore struct {
	mu         sync.Mutex
	workflows  map[string]*Workflow
	phases     map[string]*Phase
	workspaces map[string]*Workspace
	sessions   map[string]*Session
	agents     map[string]*Agent
	approvals  map[string]*Approval
	messages   map[string][]*Message
	seq        int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		workflows:  make(map[string]*Workflow),
		phases:     make(map[string]*Phase),
		workspaces: make(map[string]*Workspace),
		sessions:   make(map[string]*Session),
		agents:     make(map[string]*Agent),
		approvals:  make(map[string]*Approval),
		messages:   make(map[string][]*Message),
	}
}

// stamp returns a strictly increasing timestamp so that creation-time
// ordering is stable even within one clock tick.
func (m *memoryStore) stamp() time.Time {
	m.seq++
	return time.Now().Add(time.Duration(m.seq) * time.Nanosecond)
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.stamp()
	}
	cp := *w
	cp.Phases = append([]Phase(nil), w.Phases...)
	for i := range cp.Phases {
		cp.Phases[i].WorkflowID = w.ID
		p := cp.Phases[i]
		m.phases[p.ID] = &p
	}
	m.workflows[w.ID] = &cp
	return nil
}

func (m *memoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	cp := *w
	cp.Phases = append([]Phase(nil), w.Phases...)
	sort.Slice(cp.Phases, func(i, j int) bool { return cp.Phases[i].Ordinal < cp.Phases[j].Ordinal })
	return &cp, nil
}

func (m *memoryStore) ListWorkflows(_ context.Context) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		cp := *w
		cp.Phases = append([]Phase(nil), w.Phases...)
		sort.Slice(cp.Phases, func(i, j int) bool { return cp.Phases[i].Ordinal < cp.Phases[j].Ordinal })
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) GetPhase(_ context.Context, id string) (*Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok {
		return nil, fmt.Errorf("phase %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memoryStore) CreateWorkspace(_ context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = m.stamp()
	}
	cp := *ws
	cp.Repos = append([]Repo(nil), ws.Repos...)
	m.workspaces[ws.ID] = &cp
	return nil
}

func (m *memoryStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	cp := *ws
	cp.Repos = append([]Repo(nil), ws.Repos...)
	return &cp, nil
}

func (m *memoryStore) ListWorkspaces(_ context.Context) ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		cp := *ws
		cp.Repos = append([]Repo(nil), ws.Repos...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.stamp()
	}
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	s.UpdatedAt = m.stamp()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memoryStore) CreateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.stamp()
	}
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *memoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memoryStore) UpdateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = m.stamp()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *memoryStore) ListAgents(_ context.Context, f AgentFilter) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		if f.SessionID != "" && a.SessionID != f.SessionID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(statuses []AgentStatus, s AgentStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (m *memoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

func (m *memoryStore) CreateApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.stamp()
	}
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *memoryStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memoryStore) UpdateApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; !ok {
		return fmt.Errorf("approval %s: %w", a.ID, ErrNotFound)
	}
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *memoryStore) ListApprovals(_ context.Context, f ApprovalFilter) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for _, a := range m.approvals {
		if f.SessionID != "" && a.SessionID != f.SessionID {
			continue
		}
		if f.AgentID != "" && a.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) DeleteApproval(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approvals, id)
	return nil
}

func (m *memoryStore) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.stamp()
	}
	cp := *msg
	m.messages[msg.AgentID] = append(m.messages[msg.AgentID], &cp)
	return nil
}

func (m *memoryStore) ListMessages(_ context.Context, agentID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[agentID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryStore) DeleteMessages(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, agentID)
	return nil
}
