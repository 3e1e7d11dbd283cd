package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TypeCodex identifies the Codex-style CLI adapter.
const TypeCodex = "codex"

// CodexAdapter drives the Codex CLI via "exec --json". Codex is single-shot:
// the process exits after every turn, so follow-up input re-spawns the
// process with "exec resume <thread-id>". The thread id arrives on the
// thread.started event and is persisted as the resume token.
type CodexAdapter struct{}

func (a *CodexAdapter) Type() string          { return TypeCodex }
func (a *CodexAdapter) PausesAfterTurn() bool { return false }
func (a *CodexAdapter) ExitsAfterTurn() bool  { return true }

// BuildSpawn assembles the Codex command line. The prompt is a trailing CLI
// argument; Codex has no system prompt flag so the preamble is prepended to
// the prompt, and exec mode has no tool allow-list.
func (a *CodexAdapter) BuildSpawn(req SpawnRequest) (SpawnSpec, error) {
	binary := req.Binary
	if binary == "" {
		binary = "codex"
	}

	var args []string
	resuming := req.ResumeToken != ""
	if resuming {
		args = append(args, "exec", "resume", req.ResumeToken, "--json")
	} else {
		args = append(args, "exec", "--json")
		// Sandbox policy is established on the first exec and persists for
		// the session; the resume form does not accept it.
		args = append(args, sandboxArgs(req.PermissionMode)...)
	}

	if req.MCPServer != nil {
		args = append(args, "-c", codexMCPOverride(*req.MCPServer))
	}

	prompt := req.Prompt
	if req.SystemPreamble != "" {
		prompt = req.SystemPreamble + "\n\n" + prompt
	}
	args = append(args, prompt)

	return SpawnSpec{
		Command: binary,
		Args:    args,
		Env:     req.Env,
	}, nil
}

func sandboxArgs(permissionMode string) []string {
	switch permissionMode {
	case "bypassPermissions":
		return []string{"--dangerously-bypass-approvals-and-sandbox"}
	case "plan":
		return []string{"-s", "read-only"}
	default:
		return []string{"-s", "workspace-write"}
	}
}

// codexMCPOverride renders the inline TOML-style config override Codex takes
// in place of a JSON config file.
func codexMCPOverride(srv MCPServer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mcp_servers.%s={command=%q", srv.Name, srv.Command)
	if len(srv.Args) > 0 {
		quoted := make([]string, len(srv.Args))
		for i, arg := range srv.Args {
			quoted[i] = fmt.Sprintf("%q", arg)
		}
		fmt.Fprintf(&b, ",args=[%s]", strings.Join(quoted, ","))
	}
	b.WriteString("}")
	return b.String()
}

// EncodeInput encodes follow-up input as a plain-text line. In practice a
// waiting Codex agent is resumed by re-spawn, but the encoding is still the
// wire form for the brief window where the process is alive.
func (a *CodexAdapter) EncodeInput(text string) ([]byte, error) {
	return []byte(text + "\n"), nil
}

// EncodeEscalationResponse is unsupported: exec mode has no in-band approval
// channel, escalations are pre-empted by the sandbox flags instead.
func (a *CodexAdapter) EncodeEscalationResponse(requestID string, approved bool) ([]byte, error) {
	return nil, fmt.Errorf("codex exec mode does not accept escalation responses")
}

// codexEvent is the subset of the exec --json schema the orchestrator reads.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	CallID   string `json:"call_id"`
	Item     struct {
		ID      string `json:"id"`
		Type    string `json:"item_type"`
		AltType string `json:"type"`
		Text    string `json:"text"`
		Command string `json:"command"`
	} `json:"item"`
	Usage struct {
		InputTokens       int `json:"input_tokens"`
		OutputTokens      int `json:"output_tokens"`
		CachedInputTokens int `json:"cached_input_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (e *codexEvent) itemType() string {
	if e.Item.Type != "" {
		return e.Item.Type
	}
	return e.Item.AltType
}

// DecodeLine maps one exec --json line into the shared event union. Codex
// emits complete blocks, never streaming deltas.
func (a *CodexAdapter) DecodeLine(line []byte) Event {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{Kind: KindUnrecognized, Raw: line, Malformed: true}
	}

	out := Event{Raw: line}

	switch ev.Type {
	case "thread.started":
		out.Kind = KindSystem
		out.SessionID = ev.ThreadID
	case "turn.started", "item.started":
		out.Kind = KindSystem
	case "item.completed":
		switch ev.itemType() {
		case "agent_message":
			out.Kind = KindAssistant
			out.AssistantText = ev.Item.Text
		case "reasoning", "command_execution", "file_changes", "web_search", "mcp_tool_call":
			out.Kind = KindSystem
		default:
			out.Kind = KindUnrecognized
		}
	case "turn.completed":
		out.Kind = KindResult
		out.Result = &Result{
			InputTokens:  ev.Usage.InputTokens,
			OutputTokens: ev.Usage.OutputTokens,
		}
	case "turn.failed":
		out.Kind = KindResult
		out.Result = &Result{IsError: true, Text: ev.Error.Message}
	case "error":
		out.Kind = KindResult
		out.Result = &Result{IsError: true, Text: ev.Message}
	case "exec_approval_request":
		out.Kind = KindSystem
		out.Escalation = &Escalation{
			RequestID: ev.CallID,
			Summary:   ev.Item.Command,
			Payload:   line,
		}
	default:
		out.Kind = KindUnrecognized
	}
	return out
}
