// Package agent owns the OS-process lifecycle of spawned CLI agents: spawn,
// stdio wiring through the per-variant adapter, transcript persistence,
// end-of-turn vs. terminal-completion detection, escalation routing, and
// graceful-then-forced termination.
//
// Agent states run spawning → running → {waiting ⇄ running} → {completed |
// failed}. Terminal states are sticky: once a row is completed or failed no
// later process event may revert it.
package agent
