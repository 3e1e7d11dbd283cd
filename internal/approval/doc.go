// Package approval routes human decisions. The router is the single writer
// of approval rows inside the daemon; the bridge watches the database for
// approvals created by other processes (the MCP sidecar writes to the same
// SQLite file) and republishes them onto the in-process bus.
package approval
