// Package engine is the phase state machine driving workflow sessions:
// session start, gating, phase advancement, looping, relay prompt assembly,
// pause/resume, and startup recovery.
//
// The engine is the sole owner of session rows. Cross-component effects
// arrive as bus events (agent completion, approval resolution, turn end) and
// leave as engine method calls on the agent manager and approval router.
package engine
