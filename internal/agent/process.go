package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/adapter"
	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// maxLineBytes bounds a single stdout line; agents can emit very large
// assistant messages on one line.
const maxLineBytes = 1 << 20

type process struct {
	agentID   string
	sessionID string
	adapter   adapter.Adapter
	cmd       *exec.Cmd
	stderr    *bytes.Buffer

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	// done closes when Wait returns.
	done chan struct{}
}

func (p *process) writeStdin(data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("stdin closed")
	}
	_, err := p.stdin.Write(data)
	return err
}

func (p *process) closeStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
}

// signal targets the whole process group so grandchild tool subprocesses die
// with the agent.
func (p *process) signal(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

// terminate escalates SIGTERM → SIGKILL and waits for exit.
func (p *process) terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	p.signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	p.signal(syscall.SIGKILL)
	<-p.done
}

// drain closes stdin first, giving the agent a chance to exit on its own
// before signals start. Used once the agent row is already terminal.
func (p *process) drain(stdinGrace, termGrace time.Duration) {
	p.closeStdin()
	select {
	case <-p.done:
		return
	case <-time.After(stdinGrace):
	}
	p.terminate(termGrace)
}

func (m *Manager) startProcess(ctx context.Context, a *store.Agent, ad adapter.Adapter, areq adapter.SpawnRequest) error {
	spec, err := ad.BuildSpawn(areq)
	if err != nil {
		return fmt.Errorf("failed to build spawn spec: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = areq.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	p := &process{
		agentID:   a.ID,
		sessionID: a.SessionID,
		adapter:   ad,
		cmd:       cmd,
		stderr:    stderr,
		stdin:     stdin,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.procs[a.ID] = p
	m.mu.Unlock()

	m.logger.Info("agent process started",
		zap.String("agent_id", a.ID),
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))

	a.Status = store.AgentRunning
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		m.logger.Error("failed to mark agent running", zap.String("agent_id", a.ID), zap.Error(err))
	}
	m.publishStatus(a)

	if spec.InitialStdin != "" {
		if err := p.writeStdin([]byte(spec.InitialStdin)); err != nil {
			m.logger.Error("failed to write initial prompt", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
	if spec.CloseStdinAfterWrite {
		p.closeStdin()
	}

	// Wait must not run until the stdout pipe is fully drained.
	go func() {
		m.readLoop(p, stdout)
		m.waitLoop(p)
	}()
	return nil
}

func (m *Manager) readLoop(p *process, stdout io.Reader) {
	ctx := context.Background()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		m.handleLine(ctx, p, line)
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("agent stdout closed", zap.String("agent_id", p.agentID), zap.Error(err))
	}
}

// handleLine dispatches the independent extractions of one decoded event.
func (m *Manager) handleLine(ctx context.Context, p *process, line []byte) {
	ev := p.adapter.DecodeLine(line)
	if ev.Malformed {
		m.logger.Debug("ignoring non-JSON agent output",
			zap.String("agent_id", p.agentID),
			zap.ByteString("line", line))
		return
	}

	if ev.SessionID != "" {
		m.persistResumeToken(ctx, p.agentID, ev.SessionID)
	}
	if ev.TokenDelta != "" {
		m.bus.Publish(events.Event{
			Kind:      events.KindToken,
			SessionID: p.sessionID,
			AgentID:   p.agentID,
			Text:      ev.TokenDelta,
		})
	}
	if ev.Escalation != nil {
		m.handleEscalation(ctx, p, ev.Escalation)
	}

	switch ev.Kind {
	case adapter.KindAssistant:
		if ev.AssistantText != "" {
			m.persistMessage(ctx, p.sessionID, p.agentID, store.MessageAssistant, ev.AssistantText)
		}
	case adapter.KindResult:
		m.handleResult(ctx, p, ev.Result)
	case adapter.KindUnrecognized:
		m.logger.Debug("unrecognized agent event", zap.String("agent_id", p.agentID))
	}
}

func (m *Manager) persistResumeToken(ctx context.Context, agentID, token string) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	if a.ResumeToken == token {
		return
	}
	a.ResumeToken = token
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		m.logger.Error("failed to persist resume token", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// handleEscalation routes a mid-run permission request to a human approval.
// A repeated raw event never creates two approvals.
func (m *Manager) handleEscalation(ctx context.Context, p *process, esc *adapter.Escalation) {
	key := escalationKey(esc)
	m.mu.Lock()
	seen := m.escalations[p.agentID]
	if seen == nil {
		seen = make(map[string]struct{})
		m.escalations[p.agentID] = seen
	}
	_, dup := seen[key]
	seen[key] = struct{}{}
	m.mu.Unlock()
	if dup || m.router == nil {
		return
	}

	payload, err := json.Marshal(struct {
		RequestID string          `json:"request_id"`
		Raw       json.RawMessage `json:"raw,omitempty"`
	}{RequestID: key, Raw: esc.Payload})
	if err != nil {
		payload = esc.Payload
	}
	summary := esc.Summary
	if summary == "" {
		summary = "permission requested"
	}
	req := approval.CreateRequest{
		SessionID: p.sessionID,
		AgentID:   p.agentID,
		Type:      store.ApprovalEscalation,
		Summary:   summary,
		Payload:   payload,
	}
	if _, err := m.router.Create(ctx, req); err != nil {
		m.logger.Error("failed to create escalation approval",
			zap.String("agent_id", p.agentID), zap.Error(err))
	}
}

// handleResult persists turn metadata and runs turn-completion handling.
func (m *Manager) handleResult(ctx context.Context, p *process, res *adapter.Result) {
	if res == nil {
		return
	}
	if data, err := json.Marshal(res); err == nil {
		m.persistMessage(ctx, p.sessionID, p.agentID, store.MessageResult, string(data))
	}

	a, err := m.store.GetAgent(ctx, p.agentID)
	if err != nil {
		m.logger.Error("failed to load agent at turn end", zap.String("agent_id", p.agentID), zap.Error(err))
		return
	}

	// An in-band tool call may have marked the agent terminal mid-turn; the
	// process is now surplus.
	if a.Status.Terminal() {
		m.finishAgent(ctx, a)
		go p.drain(m.cfg.StdinGrace, m.cfg.TermGrace)
		return
	}

	if p.adapter.PausesAfterTurn() || p.adapter.ExitsAfterTurn() {
		a.Status = store.AgentWaiting
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateAgent(ctx, a); err != nil {
			m.logger.Error("failed to mark agent waiting", zap.String("agent_id", p.agentID), zap.Error(err))
			return
		}
		m.publishStatus(a)
		m.bus.Publish(events.Event{
			Kind:      events.KindTurnEnded,
			SessionID: p.sessionID,
			AgentID:   p.agentID,
		})
	}
}

func (m *Manager) waitLoop(p *process) {
	err := p.cmd.Wait()
	close(p.done)
	exitCode := 0
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	m.mu.Lock()
	delete(m.procs, p.agentID)
	m.mu.Unlock()

	ctx := context.Background()
	a, gerr := m.store.GetAgent(ctx, p.agentID)
	if gerr != nil {
		m.logger.Error("failed to load agent after exit", zap.String("agent_id", p.agentID), zap.Error(gerr))
		return
	}

	a.ExitCode = &exitCode
	switch {
	case a.Status.Terminal():
		// Sticky; record the exit code only.
	case exitCode == 0 && a.Status == store.AgentWaiting && p.adapter.ExitsAfterTurn():
		// The backend exits to save resources but the conversation is still
		// open; the agent stays waiting for SendInput to re-spawn it.
	case exitCode == 0:
		a.Status = store.AgentCompleted
	default:
		a.Status = store.AgentFailed
		m.logger.Warn("agent process failed",
			zap.String("agent_id", p.agentID),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", tail(p.stderr.String(), 2048)))
	}
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		m.logger.Error("failed to persist agent exit", zap.String("agent_id", p.agentID), zap.Error(err))
		return
	}
	m.publishStatus(a)

	if a.Status.Terminal() {
		m.finishAgent(ctx, a)
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
