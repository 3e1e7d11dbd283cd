// Agentd orchestrates multi-phase AI coding workflows: it drives CLI coding
// agents (Claude Code, Codex) through ordered workflow phases, isolates their
// work in git worktrees, and routes human approvals.
//
// Usage:
//
//	# Start the daemon
//	agentd serve
//
//	# Run the agent-side MCP tool server (spawned by the daemon)
//	agentd mcp
//
//	# Show version information
//	agentd version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
