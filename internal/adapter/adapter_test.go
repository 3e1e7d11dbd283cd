package adapter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		agentType string
		wantType  string
		wantErr   bool
	}{
		{name: "empty defaults to claude", agentType: "", wantType: TypeClaude},
		{name: "claude", agentType: "claude", wantType: TypeClaude},
		{name: "codex", agentType: "codex", wantType: TypeCodex},
		{name: "unknown", agentType: "gemini", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.agentType)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, a.Type())
		})
	}
}

func TestClaudeBuildSpawn(t *testing.T) {
	a := &ClaudeAdapter{}

	spec, err := a.BuildSpawn(SpawnRequest{
		Prompt:         "implement the thing",
		SystemPreamble: "you are phase 2 of 3",
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Read", "Edit"},
		MCPConfigPath:  "/tmp/mcp.json",
		ResumeToken:    "sess-abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "claude", spec.Command)
	joined := strings.Join(spec.Args, " ")
	assert.Contains(t, joined, "-p --output-format stream-json --input-format stream-json")
	assert.Contains(t, joined, "--permission-mode acceptEdits")
	assert.Contains(t, joined, "--allowedTools Read,Edit")
	assert.Contains(t, joined, "--append-system-prompt you are phase 2 of 3")
	assert.Contains(t, joined, "--mcp-config /tmp/mcp.json")
	assert.Contains(t, joined, "--resume sess-abc")

	// The prompt never appears as an argument; it goes over stdin as a
	// stream-json envelope.
	assert.NotContains(t, joined, "implement the thing")
	var envelope struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(spec.InitialStdin), &envelope))
	assert.Equal(t, "user", envelope.Type)
	require.Len(t, envelope.Message.Content, 1)
	assert.Equal(t, "implement the thing", envelope.Message.Content[0].Text)
}

func TestClaudeBuildSpawnBypassPermissions(t *testing.T) {
	a := &ClaudeAdapter{}
	spec, err := a.BuildSpawn(SpawnRequest{Prompt: "p", PermissionMode: "bypassPermissions"})
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "--dangerously-skip-permissions")
	assert.NotContains(t, spec.Args, "--permission-mode")
}

func TestClaudeDecodeLine(t *testing.T) {
	a := &ClaudeAdapter{}

	tests := []struct {
		name string
		line string
		want func(t *testing.T, ev Event)
	}{
		{
			name: "init names the resume token",
			line: `{"type":"system","subtype":"init","session_id":"sess-1"}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindSystem, ev.Kind)
				assert.Equal(t, "sess-1", ev.SessionID)
			},
		},
		{
			name: "stream delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindToken, ev.Kind)
				assert.Equal(t, "hel", ev.TokenDelta)
			},
		},
		{
			name: "assistant joins text blocks",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use","name":"Bash"},{"type":"text","text":"b"}]}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindAssistant, ev.Kind)
				assert.Equal(t, "a\nb", ev.AssistantText)
			},
		},
		{
			name: "result with usage",
			line: `{"type":"result","result":"done","is_error":false,"duration_ms":1200,"total_cost_usd":0.42,"num_turns":3}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindResult, ev.Kind)
				require.NotNil(t, ev.Result)
				assert.Equal(t, "done", ev.Result.Text)
				assert.False(t, ev.Result.IsError)
				assert.Equal(t, 3, ev.Result.NumTurns)
				assert.InDelta(t, 0.42, ev.Result.CostUSD, 1e-9)
			},
		},
		{
			name: "error result",
			line: `{"type":"result","result":"boom","is_error":true}`,
			want: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Result)
				assert.True(t, ev.Result.IsError)
			},
		},
		{
			name: "control request surfaces an escalation",
			line: `{"type":"control_request","request_id":"req-7","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindSystem, ev.Kind)
				require.NotNil(t, ev.Escalation)
				assert.Equal(t, "req-7", ev.Escalation.RequestID)
				assert.Equal(t, "Bash", ev.Escalation.Summary)
			},
		},
		{
			name: "unknown type",
			line: `{"type":"telemetry"}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindUnrecognized, ev.Kind)
				assert.False(t, ev.Malformed)
			},
		},
		{
			name: "not json at all",
			line: `warning: something on stderr leaked`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindUnrecognized, ev.Kind)
				assert.True(t, ev.Malformed)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := a.DecodeLine([]byte(tt.line))
			assert.Equal(t, tt.line, string(ev.Raw))
			tt.want(t, ev)
		})
	}
}

func TestCodexBuildSpawnFirstTurn(t *testing.T) {
	a := &CodexAdapter{}

	spec, err := a.BuildSpawn(SpawnRequest{
		Prompt:         "fix the bug",
		SystemPreamble: "phase context",
		PermissionMode: "default",
		MCPServer: &MCPServer{
			Name:    "agentd",
			Command: "/usr/local/bin/agentd",
			Args:    []string{"mcp"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "codex", spec.Command)
	require.GreaterOrEqual(t, len(spec.Args), 2)
	assert.Equal(t, []string{"exec", "--json"}, spec.Args[:2])

	joined := strings.Join(spec.Args, " ")
	assert.Contains(t, joined, "-s workspace-write")
	assert.Contains(t, joined, `mcp_servers.agentd={command="/usr/local/bin/agentd",args=["mcp"]}`)

	// Prompt is the final argument, preamble first.
	last := spec.Args[len(spec.Args)-1]
	assert.Equal(t, "phase context\n\nfix the bug", last)
	assert.Empty(t, spec.InitialStdin)
}

func TestCodexBuildSpawnSandboxModes(t *testing.T) {
	a := &CodexAdapter{}

	tests := []struct {
		mode string
		want string
	}{
		{mode: "plan", want: "-s read-only"},
		{mode: "acceptEdits", want: "-s workspace-write"},
		{mode: "bypassPermissions", want: "--dangerously-bypass-approvals-and-sandbox"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			spec, err := a.BuildSpawn(SpawnRequest{Prompt: "p", PermissionMode: tt.mode})
			require.NoError(t, err)
			assert.Contains(t, strings.Join(spec.Args, " "), tt.want)
		})
	}
}

func TestCodexBuildSpawnResume(t *testing.T) {
	a := &CodexAdapter{}
	spec, err := a.BuildSpawn(SpawnRequest{
		Prompt:         "continue",
		PermissionMode: "plan",
		ResumeToken:    "thread-42",
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(spec.Args), 4)
	assert.Equal(t, []string{"exec", "resume", "thread-42", "--json"}, spec.Args[:4])
	// Sandbox flags belong to the first exec only.
	assert.NotContains(t, spec.Args, "-s")
	assert.Equal(t, "continue", spec.Args[len(spec.Args)-1])
}

func TestCodexDecodeLine(t *testing.T) {
	a := &CodexAdapter{}

	tests := []struct {
		name string
		line string
		want func(t *testing.T, ev Event)
	}{
		{
			name: "thread started carries resume token",
			line: `{"type":"thread.started","thread_id":"thread-42"}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindSystem, ev.Kind)
				assert.Equal(t, "thread-42", ev.SessionID)
			},
		},
		{
			name: "agent message",
			line: `{"type":"item.completed","item":{"id":"item_1","item_type":"agent_message","text":"all done"}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindAssistant, ev.Kind)
				assert.Equal(t, "all done", ev.AssistantText)
			},
		},
		{
			name: "agent message with type key variant",
			line: `{"type":"item.completed","item":{"id":"item_1","type":"agent_message","text":"hi"}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindAssistant, ev.Kind)
				assert.Equal(t, "hi", ev.AssistantText)
			},
		},
		{
			name: "command execution is housekeeping",
			line: `{"type":"item.completed","item":{"id":"item_2","item_type":"command_execution","command":"go test ./..."}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindSystem, ev.Kind)
			},
		},
		{
			name: "turn completed carries usage",
			line: `{"type":"turn.completed","usage":{"input_tokens":900,"output_tokens":120}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindResult, ev.Kind)
				require.NotNil(t, ev.Result)
				assert.False(t, ev.Result.IsError)
				assert.Equal(t, 900, ev.Result.InputTokens)
				assert.Equal(t, 120, ev.Result.OutputTokens)
			},
		},
		{
			name: "turn failed",
			line: `{"type":"turn.failed","error":{"message":"model overloaded"}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindResult, ev.Kind)
				require.NotNil(t, ev.Result)
				assert.True(t, ev.Result.IsError)
				assert.Equal(t, "model overloaded", ev.Result.Text)
			},
		},
		{
			name: "stream error",
			line: `{"type":"error","message":"connection reset"}`,
			want: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Result)
				assert.True(t, ev.Result.IsError)
				assert.Equal(t, "connection reset", ev.Result.Text)
			},
		},
		{
			name: "exec approval request escalates",
			line: `{"type":"exec_approval_request","call_id":"call-9","item":{"command":"rm -rf build"}}`,
			want: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Escalation)
				assert.Equal(t, "call-9", ev.Escalation.RequestID)
				assert.Equal(t, "rm -rf build", ev.Escalation.Summary)
			},
		},
		{
			name: "unknown item type",
			line: `{"type":"item.completed","item":{"item_type":"todo_list"}}`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindUnrecognized, ev.Kind)
			},
		},
		{
			name: "malformed",
			line: `{not json`,
			want: func(t *testing.T, ev Event) {
				assert.Equal(t, KindUnrecognized, ev.Kind)
				assert.True(t, ev.Malformed)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, a.DecodeLine([]byte(tt.line)))
		})
	}
}

func TestEncodeInput(t *testing.T) {
	claude := &ClaudeAdapter{}
	data, err := claude.EncodeInput("next step")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, string(data), `"next step"`)

	codex := &CodexAdapter{}
	data, err = codex.EncodeInput("next step")
	require.NoError(t, err)
	assert.Equal(t, "next step\n", string(data))
}

func TestEncodeEscalationResponse(t *testing.T) {
	claude := &ClaudeAdapter{}
	data, err := claude.EncodeEscalationResponse("req-7", true)
	require.NoError(t, err)
	var envelope struct {
		Type     string `json:"type"`
		Response struct {
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior string `json:"behavior"`
			} `json:"response"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "control_response", envelope.Type)
	assert.Equal(t, "req-7", envelope.Response.RequestID)
	assert.Equal(t, "allow", envelope.Response.Response.Behavior)

	data, err = claude.EncodeEscalationResponse("req-8", false)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"deny"`)

	codex := &CodexAdapter{}
	_, err = codex.EncodeEscalationResponse("call-1", true)
	require.Error(t, err)
}
