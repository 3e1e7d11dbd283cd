// Package adapter translates between the orchestrator's generic agent
// vocabulary and the concrete CLI conventions of each agent variant.
//
// Each adapter builds a concrete spawn specification from a generic request
// and decodes its agent's newline-delimited JSON stdout into a shared event
// union. Stdout is untrusted and partial: lines that do not parse map to an
// Unrecognized event rather than an error.
package adapter

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a decoded stdout event.
type Kind string

const (
	// KindToken is a streaming token delta for live display.
	KindToken Kind = "token"
	// KindAssistant is a complete assistant message.
	KindAssistant Kind = "assistant"
	// KindResult is end-of-turn result/usage metadata.
	KindResult Kind = "result"
	// KindSystem is a recognized housekeeping event (init, turn markers).
	KindSystem Kind = "system"
	// KindUnrecognized is the fallback for unknown or malformed lines.
	KindUnrecognized Kind = "unrecognized"
)

// Result carries end-of-turn metadata.
type Result struct {
	Text         string  `json:"text,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
}

// Escalation is an agent's mid-run request for elevated permission.
type Escalation struct {
	// RequestID is the agent-assigned id when present; the manager derives
	// a content hash otherwise.
	RequestID string          `json:"request_id,omitempty"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the decoded form of one stdout line. A single line can carry
// several independent extractions (e.g. an assistant message that also
// names the resume session id), so fields are populated independently of
// Kind.
type Event struct {
	Kind          Kind
	TokenDelta    string
	AssistantText string
	// SessionID is the backend's resume token when the line names one.
	SessionID  string
	Result     *Result
	Escalation *Escalation
	// Raw preserves the original line for escalation sniffing and audit.
	Raw json.RawMessage
	// Malformed marks a line that was not valid JSON at all.
	Malformed bool
}

// MCPServer describes the stdio tool server the spawned agent should load.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SpawnRequest is the generic description of an agent to launch.
type SpawnRequest struct {
	// Binary overrides the adapter's default executable name.
	Binary string
	Prompt string
	// SystemPreamble is appended to the agent's system prompt (or prepended
	// to the prompt for backends without a system prompt flag).
	SystemPreamble string
	WorkDir        string
	PermissionMode string
	AllowedTools   []string
	// MCPConfigPath points at the on-disk MCP config file for backends that
	// take a file; MCPServer carries the descriptor for backends that take
	// inline config overrides.
	MCPConfigPath string
	MCPServer     *MCPServer
	ResumeToken   string
	// Env is the fully enumerated child environment.
	Env map[string]string
}

// SpawnSpec is a concrete command line ready to launch.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	// InitialStdin, when non-empty, is written as the first transported
	// message after launch.
	InitialStdin string
	// CloseStdinAfterWrite closes stdin once InitialStdin is written.
	CloseStdinAfterWrite bool
}

// Adapter is implemented once per agent variant.
type Adapter interface {
	// Type returns the variant identifier ("claude", "codex").
	Type() string
	// BuildSpawn translates a generic request into a concrete command line.
	BuildSpawn(req SpawnRequest) (SpawnSpec, error)
	// DecodeLine parses one stdout line into the shared event union.
	DecodeLine(line []byte) Event
	// EncodeInput encodes a follow-up user message for the agent's stdin.
	EncodeInput(text string) ([]byte, error)
	// EncodeEscalationResponse encodes the answer to a mid-run escalation
	// request. Backends without an in-band response channel return an error.
	EncodeEscalationResponse(requestID string, approved bool) ([]byte, error)
	// PausesAfterTurn reports whether the process stays alive awaiting more
	// stdin after finishing a turn.
	PausesAfterTurn() bool
	// ExitsAfterTurn reports whether the process always exits after one
	// turn, requiring a resume-token re-spawn for follow-up input.
	ExitsAfterTurn() bool
}

// New returns the adapter for an agent type. An empty type defaults to
// Claude-style.
func New(agentType string) (Adapter, error) {
	switch agentType {
	case "", TypeClaude:
		return &ClaudeAdapter{}, nil
	case TypeCodex:
		return &CodexAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
}
