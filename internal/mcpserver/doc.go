// Package mcpserver is the MCP stdio server exposed to phase agents. It runs
// inside the agent's subprocess tree (agentd mcp), shares the daemon's SQLite
// store, and gives agents three tools: signal_completion, request_approval,
// and report_summary. Approvals created here surface in the daemon through
// the approval bridge's store polling.
package mcpserver
