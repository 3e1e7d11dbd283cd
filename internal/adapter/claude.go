package adapter

import (
	"encoding/json"
	"strings"
)

// TypeClaude identifies the Claude-style CLI adapter.
const TypeClaude = "claude"

// ClaudeAdapter drives the Claude CLI in print mode with bidirectional
// stream-json I/O. The process stays alive between turns; the prompt and all
// follow-up input travel over stdin as JSON-enveloped user messages.
type ClaudeAdapter struct{}

func (a *ClaudeAdapter) Type() string          { return TypeClaude }
func (a *ClaudeAdapter) PausesAfterTurn() bool { return true }
func (a *ClaudeAdapter) ExitsAfterTurn() bool  { return false }

// BuildSpawn assembles the Claude command line. The initial prompt is not a
// CLI argument: it is written as the first stream-json message on stdin.
func (a *ClaudeAdapter) BuildSpawn(req SpawnRequest) (SpawnSpec, error) {
	binary := req.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if req.PermissionMode != "" {
		if req.PermissionMode == "bypassPermissions" {
			args = append(args, "--dangerously-skip-permissions")
		} else {
			args = append(args, "--permission-mode", req.PermissionMode)
		}
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPreamble != "" {
		args = append(args, "--append-system-prompt", req.SystemPreamble)
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.MCPConfigPath)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	initial, err := a.EncodeInput(req.Prompt)
	if err != nil {
		return SpawnSpec{}, err
	}

	return SpawnSpec{
		Command:      binary,
		Args:         args,
		Env:          req.Env,
		InitialStdin: string(initial),
	}, nil
}

// EncodeInput wraps text in the stream-json user message envelope.
func (a *ClaudeAdapter) EncodeInput(text string) ([]byte, error) {
	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeEscalationResponse answers a control_request over stdin.
func (a *ClaudeAdapter) EncodeEscalationResponse(requestID string, approved bool) ([]byte, error) {
	behavior := "deny"
	if approved {
		behavior = "allow"
	}
	envelope := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   map[string]any{"behavior": behavior},
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// claudeEvent is the subset of the stream-json schema the orchestrator
// reads. The schema is adapter-owned and treated as untrusted.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	} `json:"request"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMS   float64 `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
}

// DecodeLine maps one stream-json line into the shared event union.
func (a *ClaudeAdapter) DecodeLine(line []byte) Event {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{Kind: KindUnrecognized, Raw: line, Malformed: true}
	}

	out := Event{Raw: line, SessionID: ev.SessionID}

	switch ev.Type {
	case "system":
		out.Kind = KindSystem
	case "stream_event":
		out.Kind = KindToken
		out.TokenDelta = ev.Event.Delta.Text
	case "assistant":
		out.Kind = KindAssistant
		var parts []string
		for _, c := range ev.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		out.AssistantText = strings.Join(parts, "\n")
	case "result":
		out.Kind = KindResult
		out.Result = &Result{
			Text:       ev.Result,
			IsError:    ev.IsError,
			DurationMS: ev.DurationMS,
			CostUSD:    ev.TotalCostUSD,
			NumTurns:   ev.NumTurns,
		}
	case "control_request":
		// Mid-run permission request routed to a human approval.
		out.Kind = KindSystem
		summary := ev.Request.ToolName
		if summary == "" {
			summary = ev.Request.Subtype
		}
		out.Escalation = &Escalation{
			RequestID: ev.RequestID,
			Summary:   summary,
			Payload:   line,
		}
	default:
		out.Kind = KindUnrecognized
	}
	return out
}
