// Package logging provides structured logging for agentd built on Zap.
//
// Components receive named child loggers from a single root logger so that
// every line carries a "component" field. Transient parse skips log at Debug,
// best-effort cleanup failures at Warn, and orchestration failures at Error.
package logging
