package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/adapter"
	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/blobstore"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// Config tunes the manager.
type Config struct {
	// MCPCommand is the executable the spawned CLI launches as its stdio tool
	// server (normally the agentd binary itself); empty disables MCP wiring.
	MCPCommand string
	MCPArgs    []string
	// StorePath is handed to the MCP sidecar so it writes to the same
	// database.
	StorePath string
	// RunDir holds per-agent MCP config files.
	RunDir string
	// Binaries overrides the agent executable per adapter type.
	Binaries map[string]string
	// PreviewBytes caps inline transcript content; larger bodies spill to the
	// blob store.
	PreviewBytes int
	// StdinGrace is how long a terminal agent gets to exit on its own after
	// stdin closes, before signals start.
	StdinGrace time.Duration
	// TermGrace is how long SIGTERM gets before SIGKILL.
	TermGrace time.Duration
	// AdapterFactory resolves agent types; defaults to adapter.New.
	AdapterFactory func(agentType string) (adapter.Adapter, error)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MCPArgs:      []string{"mcp"},
		PreviewBytes: 4096,
		StdinGrace:   2 * time.Second,
		TermGrace:    5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = d.PreviewBytes
	}
	if c.StdinGrace <= 0 {
		c.StdinGrace = d.StdinGrace
	}
	if c.TermGrace <= 0 {
		c.TermGrace = d.TermGrace
	}
	if c.AdapterFactory == nil {
		c.AdapterFactory = adapter.New
	}
}

// SpawnRequest describes one agent to launch for a phase.
type SpawnRequest struct {
	SessionID        string
	PhaseID          string
	AgentType        string
	Prompt           string
	SystemPreamble   string
	WorkDir          string
	Branch           string
	WorktreePath     string
	WorktreeManifest []store.RepoWorktree
	PermissionMode   string
	AllowedTools     []string
	ResumeToken      string
}

// Manager supervises all live agent processes.
type Manager struct {
	cfg    Config
	store  store.Store
	blobs  blobstore.Store
	bus    *events.Bus
	router *approval.Router
	logger *zap.Logger

	mu          sync.Mutex
	procs       map[string]*process
	completed   map[string]struct{}
	escalations map[string]map[string]struct{}
}

// NewManager creates a manager.
func NewManager(cfg Config, st store.Store, blobs blobstore.Store, bus *events.Bus, router *approval.Router, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		store:       st,
		blobs:       blobs,
		bus:         bus,
		router:      router,
		logger:      logger.Named("agent"),
		procs:       make(map[string]*process),
		completed:   make(map[string]struct{}),
		escalations: make(map[string]map[string]struct{}),
	}
}

// Live reports whether an agent currently has a running process.
func (m *Manager) Live(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[agentID]
	return ok
}

// LiveCount returns the number of running agent processes.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// SpawnAgent creates the agent row, launches the process in its own process
// group, and starts the stdout/exit supervision goroutines.
func (m *Manager) SpawnAgent(ctx context.Context, req SpawnRequest) (*store.Agent, error) {
	ad, err := m.cfg.AdapterFactory(req.AgentType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &store.Agent{
		ID:               uuid.NewString(),
		SessionID:        req.SessionID,
		PhaseID:          req.PhaseID,
		AgentType:        ad.Type(),
		Status:           store.AgentSpawning,
		WorktreePath:     req.WorktreePath,
		WorktreeManifest: req.WorktreeManifest,
		Branch:           req.Branch,
		ResumeToken:      req.ResumeToken,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create agent row: %w", err)
	}
	m.publishStatus(a)

	areq, err := m.buildAdapterRequest(a, req)
	if err != nil {
		m.failAgent(ctx, a.ID, err)
		return nil, err
	}
	if err := m.startProcess(ctx, a, ad, areq); err != nil {
		m.failAgent(ctx, a.ID, err)
		return nil, err
	}
	return m.store.GetAgent(ctx, a.ID)
}

func (m *Manager) buildAdapterRequest(a *store.Agent, req SpawnRequest) (adapter.SpawnRequest, error) {
	env := map[string]string{
		"AGENTD_AGENT_ID":   a.ID,
		"AGENTD_SESSION_ID": a.SessionID,
	}
	if m.cfg.StorePath != "" {
		env["AGENTD_STORE_PATH"] = m.cfg.StorePath
	}

	areq := adapter.SpawnRequest{
		Binary:         m.cfg.Binaries[a.AgentType],
		Prompt:         req.Prompt,
		SystemPreamble: req.SystemPreamble,
		WorkDir:        req.WorkDir,
		PermissionMode: req.PermissionMode,
		AllowedTools:   req.AllowedTools,
		ResumeToken:    req.ResumeToken,
		Env:            env,
	}

	if m.cfg.MCPCommand != "" {
		srv := &adapter.MCPServer{
			Name:    "agentd",
			Command: m.cfg.MCPCommand,
			Args:    m.cfg.MCPArgs,
			Env:     env,
		}
		areq.MCPServer = srv
		path, err := m.writeMCPConfig(a.ID, srv)
		if err != nil {
			return adapter.SpawnRequest{}, err
		}
		areq.MCPConfigPath = path
	}
	return areq, nil
}

// writeMCPConfig emits the JSON config file consumed by file-based backends.
func (m *Manager) writeMCPConfig(agentID string, srv *adapter.MCPServer) (string, error) {
	dir := m.cfg.RunDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run dir: %w", err)
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			srv.Name: map[string]any{
				"command": srv.Command,
				"args":    srv.Args,
				"env":     srv.Env,
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, agentID+".mcp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	return path, nil
}

func (m *Manager) failAgent(ctx context.Context, agentID string, cause error) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil || a.Status.Terminal() {
		return
	}
	a.Status = store.AgentFailed
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		m.logger.Error("failed to mark agent failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	m.logger.Warn("agent failed before running", zap.String("agent_id", agentID), zap.Error(cause))
	m.publishStatus(a)
	m.finishAgent(ctx, a)
}

// SendInput forwards text to a waiting or running agent. Agents whose
// backend exits after every turn are re-spawned from their resume token.
func (m *Manager) SendInput(ctx context.Context, agentID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("input text cannot be empty")
	}

	m.mu.Lock()
	p := m.procs[agentID]
	m.mu.Unlock()

	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("agent %s is %s and no longer accepts input", agentID, a.Status)
	}

	if p != nil {
		data, err := p.adapter.EncodeInput(text)
		if err != nil {
			return err
		}
		if err := p.writeStdin(data); err != nil {
			return fmt.Errorf("failed to write agent stdin: %w", err)
		}
		m.persistMessage(ctx, a.SessionID, agentID, store.MessageUser, text)
		if a.Status == store.AgentWaiting {
			a.Status = store.AgentRunning
			a.UpdatedAt = time.Now().UTC()
			if err := m.store.UpdateAgent(ctx, a); err != nil {
				return err
			}
			m.publishStatus(a)
		}
		return nil
	}

	// No live process. Resume-per-turn backends restart from the token.
	ad, err := m.cfg.AdapterFactory(a.AgentType)
	if err != nil {
		return err
	}
	if a.Status != store.AgentWaiting || !ad.ExitsAfterTurn() {
		return fmt.Errorf("agent %s has no live process", agentID)
	}
	if a.ResumeToken == "" {
		return fmt.Errorf("agent %s cannot resume: no resume token", agentID)
	}

	phase, err := m.store.GetPhase(ctx, a.PhaseID)
	if err != nil {
		return fmt.Errorf("failed to load phase for resume: %w", err)
	}
	workDir := a.WorktreePath
	if workDir == "" && len(a.WorktreeManifest) > 0 {
		workDir = a.WorktreeManifest[0].Path
	}

	areq, err := m.buildAdapterRequest(a, SpawnRequest{
		Prompt:         text,
		WorkDir:        workDir,
		PermissionMode: phase.Config.PermissionMode,
		AllowedTools:   phase.AllowedTools,
		ResumeToken:    a.ResumeToken,
	})
	if err != nil {
		return err
	}
	if err := m.startProcess(ctx, a, ad, areq); err != nil {
		return err
	}
	m.persistMessage(ctx, a.SessionID, agentID, store.MessageUser, text)
	return nil
}

// RespondEscalation answers a resolved escalation approval through the
// agent's in-band channel, when the backend has one and the process is live.
func (m *Manager) RespondEscalation(ctx context.Context, a *store.Approval, approved bool) error {
	m.mu.Lock()
	p := m.procs[a.AgentID]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("agent %s has no live process", a.AgentID)
	}

	var payload struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(a.Payload, &payload); err != nil || payload.RequestID == "" {
		return fmt.Errorf("approval %s carries no escalation request id", a.ID)
	}
	data, err := p.adapter.EncodeEscalationResponse(payload.RequestID, approved)
	if err != nil {
		return err
	}
	if err := p.writeStdin(data); err != nil {
		return fmt.Errorf("failed to write escalation response: %w", err)
	}
	return nil
}

// KillAgent terminates an agent's process with signal escalation. An
// explicit kill is always recorded as failed, never completed.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	// Mark intent before signaling so the exit handler cannot race a
	// zero-exit into completed.
	if !a.Status.Terminal() {
		a.Status = store.AgentFailed
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateAgent(ctx, a); err != nil {
			return err
		}
		m.publishStatus(a)
	}

	m.mu.Lock()
	p := m.procs[agentID]
	m.mu.Unlock()
	if p != nil {
		p.terminate(m.cfg.TermGrace)
	}
	m.finishAgent(ctx, a)
	return nil
}

// publishStatus mirrors an agent status change onto the bus.
func (m *Manager) publishStatus(a *store.Agent) {
	m.bus.Publish(events.Event{
		Kind:      events.KindAgentStatus,
		SessionID: a.SessionID,
		AgentID:   a.ID,
		Status:    string(a.Status),
	})
}

// finishAgent fires the once-only completion event and sweeps up after a
// terminal agent: stale pending approvals are rejected best-effort.
func (m *Manager) finishAgent(ctx context.Context, a *store.Agent) {
	m.mu.Lock()
	_, done := m.completed[a.ID]
	if !done {
		m.completed[a.ID] = struct{}{}
	}
	delete(m.escalations, a.ID)
	m.mu.Unlock()
	if done {
		return
	}

	m.logger.Info("agent finished",
		zap.String("agent_id", a.ID),
		zap.String("session_id", a.SessionID),
		zap.String("status", string(a.Status)))

	if m.router != nil {
		pending, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
			AgentID: a.ID,
			Status:  store.ApprovalPending,
		})
		if err != nil {
			m.bus.NonFatal(a.SessionID, a.ID, err)
		}
		for _, stale := range pending {
			if _, err := m.router.Resolve(ctx, stale.ID, store.ApprovalRejected, "system", "[agent exited]"); err != nil {
				m.bus.NonFatal(a.SessionID, a.ID, err)
			}
		}
	}

	m.bus.Publish(events.Event{
		Kind:      events.KindAgentCompleted,
		SessionID: a.SessionID,
		AgentID:   a.ID,
		Status:    string(a.Status),
	})
}

// persistMessage stores a transcript entry, spilling oversized content to
// the blob store.
func (m *Manager) persistMessage(ctx context.Context, sessionID, agentID string, typ store.MessageType, content string) {
	msg := &store.Message{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if len(content) > m.cfg.PreviewBytes {
		key := fmt.Sprintf("sessions/%s/agents/%s/messages/%s", sessionID, agentID, msg.ID)
		if _, err := m.blobs.Write(key, []byte(content)); err != nil {
			m.bus.NonFatal(sessionID, agentID, err)
		} else {
			msg.BlobKey = key
		}
		msg.Preview = truncateUTF8(content, m.cfg.PreviewBytes)
	} else {
		msg.Preview = content
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		m.logger.Error("failed to persist message", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	m.bus.Publish(events.Event{
		Kind:      events.KindMessage,
		SessionID: sessionID,
		AgentID:   agentID,
		MessageID: msg.ID,
		Status:    string(typ),
		Text:      msg.Preview,
	})
}

// escalationKey derives the dedupe key for an escalation request.
func escalationKey(esc *adapter.Escalation) string {
	if esc.RequestID != "" {
		return esc.RequestID
	}
	sum := sha256.Sum256(esc.Payload)
	return hex.EncodeToString(sum[:])
}

// truncateUTF8 cuts s at no more than max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
