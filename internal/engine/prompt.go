package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

// phaseArtifactKey names the blob holding a phase's final output.
func phaseArtifactKey(sessionID string, ordinal int) string {
	return fmt.Sprintf("sessions/%s/phases/%d/artifact", sessionID, ordinal)
}

// storePhaseArtifact captures a completed phase's last assistant message for
// relay into later phases. Best-effort: relay degrades to summaries when the
// artifact is missing.
func (e *Engine) storePhaseArtifact(ctx context.Context, s *store.Session, phase *store.Phase, a *store.Agent) {
	msgs, err := e.store.ListMessages(ctx, a.ID)
	if err != nil {
		e.bus.NonFatal(s.ID, a.ID, err)
		return
	}
	var last string
	for _, msg := range msgs {
		if msg.Type != store.MessageAssistant {
			continue
		}
		last = msg.Preview
		if msg.BlobKey != "" {
			if full, err := e.blobs.Read(msg.BlobKey); err == nil {
				last = string(full)
			}
		}
	}
	if last == "" {
		return
	}
	if _, err := e.blobs.Write(phaseArtifactKey(s.ID, phase.Ordinal), []byte(last)); err != nil {
		e.bus.NonFatal(s.ID, a.ID, err)
	}
}

// phaseOutcome is one prior phase's relay material.
type phaseOutcome struct {
	ordinal int
	name    string
	summary string
}

// assemblePrompt builds the agent prompt: session context, then a relay
// block of prior-phase material, then the phase's own prompt template.
//
// The relay cutoff is strict: ordinals before the current phase, except when
// the phase loops back onto itself, in which case its own previous iteration
// is included too.
func (e *Engine) assemblePrompt(ctx context.Context, s *store.Session, wf *store.Workflow, phase *store.Phase) (string, error) {
	var parts []string
	if s.Context != "" {
		parts = append(parts, s.Context)
	}

	mode := phase.Config.RelayMode
	if mode == "" {
		mode = store.RelayOff
	}
	if mode != store.RelayOff {
		relay, err := e.relayBlock(ctx, s, wf, phase, mode)
		if err != nil {
			return "", err
		}
		if relay != "" {
			parts = append(parts, relay)
		}
	}

	if phase.Prompt != "" {
		parts = append(parts, phase.Prompt)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (e *Engine) relayBlock(ctx context.Context, s *store.Session, wf *store.Workflow, phase *store.Phase, mode store.RelayMode) (string, error) {
	selfLoop := s.LoopState != nil &&
		phase.Config.LoopTo != nil &&
		*phase.Config.LoopTo == phase.Ordinal

	cutoff := phase.Ordinal // exclusive
	if selfLoop {
		cutoff = phase.Ordinal + 1
	}

	outcomes, err := e.priorOutcomes(ctx, s, wf, cutoff)
	if err != nil {
		return "", err
	}
	if len(outcomes) == 0 {
		return "", nil
	}
	if mode == store.RelayPrevious {
		outcomes = outcomes[len(outcomes)-1:]
	}

	var b strings.Builder
	b.WriteString("## Prior phase results\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "\n### Phase %d: %s\n%s\n", o.ordinal, o.name, o.summary)
		if mode == store.RelayAll || mode == store.RelayPrevious {
			if artifact, err := e.blobs.Read(phaseArtifactKey(s.ID, o.ordinal)); err == nil && len(artifact) > 0 {
				fmt.Fprintf(&b, "\nOutput:\n%s\n", string(artifact))
			}
		}
	}
	return b.String(), nil
}

// priorOutcomes collects the latest summary per phase ordinal below cutoff.
func (e *Engine) priorOutcomes(ctx context.Context, s *store.Session, wf *store.Workflow, cutoff int) ([]phaseOutcome, error) {
	agents, err := e.store.ListAgents(ctx, store.AgentFilter{SessionID: s.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for relay: %w", err)
	}

	byID := make(map[string]*store.Phase, len(wf.Phases))
	for i := range wf.Phases {
		byID[wf.Phases[i].ID] = &wf.Phases[i]
	}

	latest := make(map[int]phaseOutcome)
	for _, a := range agents {
		if a.PhaseSummary == "" {
			continue
		}
		p, ok := byID[a.PhaseID]
		if !ok || p.Ordinal >= cutoff {
			continue
		}
		// Agents are listed oldest first; later entries win.
		latest[p.Ordinal] = phaseOutcome{ordinal: p.Ordinal, name: p.Name, summary: a.PhaseSummary}
	}

	outcomes := make([]phaseOutcome, 0, len(latest))
	for _, o := range latest {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ordinal < outcomes[j].ordinal })
	return outcomes, nil
}

// systemPreamble states the agent's position in the workflow, including loop
// bookkeeping when the session is iterating.
func (e *Engine) systemPreamble(s *store.Session, wf *store.Workflow, phase *store.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing phase %d (%s) of workflow %q.", phase.Ordinal, phase.Name, wf.Name)
	if s.LoopState != nil {
		origin := wf.PhaseByOrdinal(s.LoopState.OriginOrdinal)
		originName := ""
		if origin != nil {
			originName = origin.Name
		}
		fmt.Fprintf(&b, " Loop iteration %d (looping from phase %d %s).",
			s.LoopState.Iterations, s.LoopState.OriginOrdinal, originName)
	}
	b.WriteString(" Signal completion through the signal_completion tool when the phase's work is done.")
	return b.String()
}

// logPromptDebug traces prompt assembly at debug level.
func (e *Engine) logPromptDebug(sessionID string, phase *store.Phase, prompt string) {
	e.logger.Debug("assembled phase prompt",
		zap.String("session_id", sessionID),
		zap.Int("phase", phase.Ordinal),
		zap.Int("prompt_bytes", len(prompt)))
}
