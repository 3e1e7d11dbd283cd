package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

type signalCompletionInput struct {
	Signal  string `json:"signal,omitempty" jsonschema:"Completion signal: done or iterate (default: done)"`
	Summary string `json:"summary" jsonschema:"required,Short summary of what this phase accomplished"`
}

type signalCompletionOutput struct {
	AgentID string `json:"agent_id" jsonschema:"Agent that signalled completion"`
	Signal  string `json:"signal" jsonschema:"Recorded signal"`
}

type requestApprovalInput struct {
	Type    string          `json:"type,omitempty" jsonschema:"Approval type: decision or needs_input (default: decision)"`
	Summary string          `json:"summary" jsonschema:"required,What is being asked of the human"`
	Payload json.RawMessage `json:"payload,omitempty" jsonschema:"Opaque context for the approver"`
	NoWait  bool            `json:"no_wait,omitempty" jsonschema:"Return immediately instead of blocking on the resolution"`
}

type requestApprovalOutput struct {
	ApprovalID string `json:"approval_id" jsonschema:"Created approval identifier"`
	Status     string `json:"status" jsonschema:"Resolution status (pending when no_wait is set)"`
	Response   string `json:"response,omitempty" jsonschema:"Approver's response text"`
}

type reportSummaryInput struct {
	Text string `json:"text" jsonschema:"required,Current summary of the phase's progress"`
}

type reportSummaryOutput struct {
	AgentID string `json:"agent_id" jsonschema:"Agent whose summary was updated"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "signal_completion",
		Description: "Mark this phase's work as finished. Signal 'done' completes the phase; 'iterate' asks the workflow to loop back if the phase is configured for it. The summary is relayed into later phases.",
	}, s.signalCompletion)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "request_approval",
		Description: "Ask the human operator for a decision or additional input. Blocks until the request is resolved unless no_wait is set.",
	}, s.requestApproval)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "report_summary",
		Description: "Update this phase's running summary without completing it. Useful for long phases so the operator can follow progress.",
	}, s.reportSummary)
}

func (s *Server) signalCompletion(ctx context.Context, _ *mcp.CallToolRequest, args signalCompletionInput) (*mcp.CallToolResult, signalCompletionOutput, error) {
	signal := args.Signal
	if signal == "" {
		signal = "done"
	}
	if signal != "done" && signal != "iterate" {
		return nil, signalCompletionOutput{}, fmt.Errorf("unknown signal %q: want done or iterate", signal)
	}
	if args.Summary == "" {
		return nil, signalCompletionOutput{}, fmt.Errorf("summary is required")
	}

	a, err := s.st.GetAgent(ctx, s.agentID)
	if err != nil {
		return nil, signalCompletionOutput{}, fmt.Errorf("failed to load agent: %w", err)
	}
	if a.Status.Terminal() {
		return nil, signalCompletionOutput{}, fmt.Errorf("agent already %s", a.Status)
	}

	a.Status = store.AgentCompleted
	a.CompletionSignal = signal
	a.PhaseSummary = args.Summary
	a.UpdatedAt = time.Now().UTC()
	if err := s.st.UpdateAgent(ctx, a); err != nil {
		return nil, signalCompletionOutput{}, fmt.Errorf("failed to record completion: %w", err)
	}
	s.logger.Info("phase completion signalled",
		zap.String("agent_id", s.agentID),
		zap.String("signal", signal))

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Completion recorded (%s). You may finish your final response now.", signal)},
		},
	}, signalCompletionOutput{AgentID: s.agentID, Signal: signal}, nil
}

func (s *Server) requestApproval(ctx context.Context, _ *mcp.CallToolRequest, args requestApprovalInput) (*mcp.CallToolResult, requestApprovalOutput, error) {
	if args.Summary == "" {
		return nil, requestApprovalOutput{}, fmt.Errorf("summary is required")
	}
	typ := store.ApprovalDecision
	switch args.Type {
	case "", "decision":
	case "needs_input":
		typ = store.ApprovalNeedsInput
	default:
		return nil, requestApprovalOutput{}, fmt.Errorf("unknown approval type %q: want decision or needs_input", args.Type)
	}

	ap := &store.Approval{
		ID:        uuid.NewString(),
		SessionID: s.sessionID,
		AgentID:   s.agentID,
		Type:      typ,
		Status:    store.ApprovalPending,
		Summary:   args.Summary,
		Payload:   args.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.CreateApproval(ctx, ap); err != nil {
		return nil, requestApprovalOutput{}, fmt.Errorf("failed to create approval: %w", err)
	}
	s.logger.Info("approval requested",
		zap.String("approval_id", ap.ID),
		zap.String("type", string(typ)))

	if args.NoWait {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Approval %s created; a human will resolve it.", ap.ID)},
			},
		}, requestApprovalOutput{ApprovalID: ap.ID, Status: string(store.ApprovalPending)}, nil
	}

	resolved, err := s.waitResolved(ctx, ap.ID)
	if err != nil {
		return nil, requestApprovalOutput{}, err
	}
	text := fmt.Sprintf("Request %s.", resolved.Status)
	if resolved.Response != "" {
		text = fmt.Sprintf("Request %s: %s", resolved.Status, resolved.Response)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, requestApprovalOutput{ApprovalID: ap.ID, Status: string(resolved.Status), Response: resolved.Response}, nil
}

// waitResolved polls the approval row until it leaves pending. The daemon
// resolves it in another process, so polling the shared store is the only
// channel available.
func (s *Server) waitResolved(ctx context.Context, approvalID string) (*store.Approval, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		ap, err := s.st.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll approval: %w", err)
		}
		if ap.Status != store.ApprovalPending {
			return ap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) reportSummary(ctx context.Context, _ *mcp.CallToolRequest, args reportSummaryInput) (*mcp.CallToolResult, reportSummaryOutput, error) {
	if args.Text == "" {
		return nil, reportSummaryOutput{}, fmt.Errorf("text is required")
	}
	a, err := s.st.GetAgent(ctx, s.agentID)
	if err != nil {
		return nil, reportSummaryOutput{}, fmt.Errorf("failed to load agent: %w", err)
	}
	a.PhaseSummary = args.Text
	a.UpdatedAt = time.Now().UTC()
	if err := s.st.UpdateAgent(ctx, a); err != nil {
		return nil, reportSummaryOutput{}, fmt.Errorf("failed to update summary: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Summary updated."}},
	}, reportSummaryOutput{AgentID: s.agentID}, nil
}
