// Package store defines the persistent entities of the orchestrator and the
// Store interface over them, together with a SQLite-backed implementation and
// an in-memory implementation for tests.
//
// The orchestrator assumes ordinary CRUD with transactional single-statement
// writes and no cross-entity cascade deletes: dependent rows are cleaned up
// explicitly in dependency order (messages, approvals, agents, session).
package store
