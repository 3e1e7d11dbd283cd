package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteStore implements Store on a single-writer SQLite database.
type sqliteStore struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at dbPath.
func OpenSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, dbPath: dbPath}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// DBPath returns the on-disk path of the database, for handing to
// out-of-process writers such as the MCP tool server.
func (s *sqliteStore) DBPath() string {
	return s.dbPath
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS phases (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			allowed_tools TEXT NULL,
			sub_agents TEXT NULL,
			approval TEXT NOT NULL DEFAULT 'none',
			config TEXT NULL,
			UNIQUE(workflow_id, ordinal)
		);`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repos TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase INTEGER NOT NULL DEFAULT 0,
			context TEXT NOT NULL DEFAULT '',
			loop_state TEXT NULL,
			git_strategy TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT 'claude',
			status TEXT NOT NULL,
			worktree_path TEXT NOT NULL DEFAULT '',
			worktree_manifest TEXT NULL,
			branch TEXT NOT NULL DEFAULT '',
			resume_token TEXT NOT NULL DEFAULT '',
			completion_signal TEXT NOT NULL DEFAULT '',
			phase_summary TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			payload TEXT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			resolved_at TEXT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			blob_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// encodeJSON marshals v, returning NULL-able empty string on nil.
func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeJSON unmarshals into v; malformed stored JSON is treated as absent.
func decodeJSON(raw string, v any) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}

// --- workflows ---

func (s *sqliteStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Name, encodeTime(w.CreatedAt)); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	for i := range w.Phases {
		p := &w.Phases[i]
		p.WorkflowID = w.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phases (id, workflow_id, ordinal, name, prompt, allowed_tools, sub_agents, approval, config)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.WorkflowID, p.Ordinal, p.Name, p.Prompt,
			encodeJSON(p.AllowedTools), string(p.SubAgents), string(p.Approval), encodeJSON(p.Config)); err != nil {
			return fmt.Errorf("insert phase %d: %w", p.Ordinal, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w := &Workflow{ID: id}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM workflows WHERE id = ?`, id).
		Scan(&w.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	w.CreatedAt = decodeTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ordinal, name, prompt, allowed_tools, sub_agents, approval, config
		 FROM phases WHERE workflow_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("select phases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPhase(rows, id)
		if err != nil {
			return nil, err
		}
		w.Phases = append(w.Phases, *p)
	}
	return w, rows.Err()
}

func (s *sqliteStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select workflows: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhase(r rowScanner, workflowID string) (*Phase, error) {
	p := &Phase{WorkflowID: workflowID}
	var tools, subAgents, approval, config sql.NullString
	if err := r.Scan(&p.ID, &p.Ordinal, &p.Name, &p.Prompt, &tools, &subAgents, &approval, &config); err != nil {
		return nil, fmt.Errorf("scan phase: %w", err)
	}
	decodeJSON(tools.String, &p.AllowedTools)
	if subAgents.Valid && strings.TrimSpace(subAgents.String) != "" {
		p.SubAgents = json.RawMessage(subAgents.String)
	}
	p.Approval = ApprovalPolicy(approval.String)
	if p.Approval == "" {
		p.Approval = PolicyNone
	}
	decodeJSON(config.String, &p.Config)
	return p, nil
}

func (s *sqliteStore) GetPhase(ctx context.Context, id string) (*Phase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, id, ordinal, name, prompt, allowed_tools, sub_agents, approval, config
		 FROM phases WHERE id = ?`, id)
	var workflowID string
	p := &Phase{}
	var tools, subAgents, approval, config sql.NullString
	err := row.Scan(&workflowID, &p.ID, &p.Ordinal, &p.Name, &p.Prompt, &tools, &subAgents, &approval, &config)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select phase: %w", err)
	}
	p.WorkflowID = workflowID
	decodeJSON(tools.String, &p.AllowedTools)
	if subAgents.Valid && strings.TrimSpace(subAgents.String) != "" {
		p.SubAgents = json.RawMessage(subAgents.String)
	}
	p.Approval = ApprovalPolicy(approval.String)
	if p.Approval == "" {
		p.Approval = PolicyNone
	}
	decodeJSON(config.String, &p.Config)
	return p, nil
}

// --- workspaces ---

func (s *sqliteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, repos, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Name, encodeJSON(ws.Repos), encodeTime(ws.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{ID: id}
	var repos, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, repos, created_at FROM workspaces WHERE id = ?`, id).
		Scan(&ws.Name, &repos, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select workspace: %w", err)
	}
	decodeJSON(repos, &ws.Repos)
	ws.CreatedAt = decodeTime(createdAt)
	return ws, nil
}

func (s *sqliteStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, repos, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select workspaces: %w", err)
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		var repos, createdAt string
		if err := rows.Scan(&ws.ID, &ws.Name, &repos, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		decodeJSON(repos, &ws.Repos)
		ws.CreatedAt = decodeTime(createdAt)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *sqliteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_id, workspace_id, status, current_phase, context, loop_state, git_strategy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowID, sess.WorkspaceID, string(sess.Status), sess.CurrentPhase,
		sess.Context, encodeJSON(sess.LoopState), encodeJSON(sess.GitStrategy),
		encodeTime(sess.CreatedAt), encodeTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workspace_id, status, current_phase, context, loop_state, git_strategy, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func scanSession(r rowScanner) (*Session, error) {
	sess := &Session{}
	var status, loopState, gitStrategy, createdAt, updatedAt sql.NullString
	err := r.Scan(&sess.ID, &sess.WorkflowID, &sess.WorkspaceID, &status, &sess.CurrentPhase,
		&sess.Context, &loopState, &gitStrategy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status.String)
	decodeJSON(loopState.String, &sess.LoopState)
	decodeJSON(gitStrategy.String, &sess.GitStrategy)
	sess.CreatedAt = decodeTime(createdAt.String)
	sess.UpdatedAt = decodeTime(updatedAt.String)
	return sess, nil
}

func (s *sqliteStore) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, current_phase = ?, context = ?, loop_state = ?, git_strategy = ?, updated_at = ?
		 WHERE id = ?`,
		string(sess.Status), sess.CurrentPhase, sess.Context,
		encodeJSON(sess.LoopState), encodeJSON(sess.GitStrategy),
		encodeTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res, "session", sess.ID)
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workspace_id, status, current_phase, context, loop_state, git_strategy, created_at, updated_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- agents ---

func (s *sqliteStore) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, session_id, phase_id, agent_type, status, worktree_path, worktree_manifest, branch, resume_token, completion_signal, phase_summary, exit_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.PhaseID, a.AgentType, string(a.Status), a.WorktreePath,
		encodeJSON(a.WorktreeManifest), a.Branch, a.ResumeToken, a.CompletionSignal,
		a.PhaseSummary, nullableInt(a.ExitCode), encodeTime(a.CreatedAt), encodeTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+` WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

const agentSelect = `SELECT id, session_id, phase_id, agent_type, status, worktree_path, worktree_manifest, branch, resume_token, completion_signal, phase_summary, exit_code, created_at, updated_at FROM agents`

func scanAgent(r rowScanner) (*Agent, error) {
	a := &Agent{}
	var status, manifest, createdAt, updatedAt sql.NullString
	var exitCode sql.NullInt64
	err := r.Scan(&a.ID, &a.SessionID, &a.PhaseID, &a.AgentType, &status, &a.WorktreePath,
		&manifest, &a.Branch, &a.ResumeToken, &a.CompletionSignal, &a.PhaseSummary,
		&exitCode, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status.String)
	decodeJSON(manifest.String, &a.WorktreeManifest)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		a.ExitCode = &code
	}
	a.CreatedAt = decodeTime(createdAt.String)
	a.UpdatedAt = decodeTime(updatedAt.String)
	return a, nil
}

func (s *sqliteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, worktree_path = ?, worktree_manifest = ?, branch = ?, resume_token = ?, completion_signal = ?, phase_summary = ?, exit_code = ?, updated_at = ?
		 WHERE id = ?`,
		string(a.Status), a.WorktreePath, encodeJSON(a.WorktreeManifest), a.Branch,
		a.ResumeToken, a.CompletionSignal, a.PhaseSummary, nullableInt(a.ExitCode),
		encodeTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res, "agent", a.ID)
}

func (s *sqliteStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := agentSelect
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// --- approvals ---

func (s *sqliteStore) CreateApproval(ctx context.Context, a *Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, session_id, agent_id, type, status, summary, payload, resolved_by, response, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.AgentID, string(a.Type), string(a.Status), a.Summary,
		string(a.Payload), a.ResolvedBy, a.Response, nullableTime(a.ResolvedAt), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

const approvalSelect = `SELECT id, session_id, agent_id, type, status, summary, payload, resolved_by, response, resolved_at, created_at FROM approvals`

func scanApproval(r rowScanner) (*Approval, error) {
	a := &Approval{}
	var typ, status, payload, resolvedAt, createdAt sql.NullString
	err := r.Scan(&a.ID, &a.SessionID, &a.AgentID, &typ, &status, &a.Summary,
		&payload, &a.ResolvedBy, &a.Response, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Type = ApprovalType(typ.String)
	a.Status = ApprovalStatus(status.String)
	if strings.TrimSpace(payload.String) != "" {
		a.Payload = json.RawMessage(payload.String)
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := decodeTime(resolvedAt.String)
		a.ResolvedAt = &t
	}
	a.CreatedAt = decodeTime(createdAt.String)
	return a, nil
}

func (s *sqliteStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) UpdateApproval(ctx context.Context, a *Approval) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, summary = ?, payload = ?, resolved_by = ?, response = ?, resolved_at = ?
		 WHERE id = ?`,
		string(a.Status), a.Summary, string(a.Payload), a.ResolvedBy, a.Response,
		nullableTime(a.ResolvedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	return requireRow(res, "approval", a.ID)
}

func (s *sqliteStore) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error) {
	query := approvalSelect
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select approvals: %w", err)
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteApproval(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	return nil
}

// --- messages ---

func (s *sqliteStore) CreateMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, agent_id, type, preview, blob_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, string(m.Type), m.Preview, m.BlobKey, encodeTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, agentID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, type, preview, blob_key, created_at FROM messages
		 WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		var typ, createdAt string
		if err := rows.Scan(&m.ID, &m.AgentID, &typ, &m.Preview, &m.BlobKey, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = MessageType(typ)
		m.CreatedAt = decodeTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMessages(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
