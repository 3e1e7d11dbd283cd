// Package httpapi is the daemon's HTTP control surface: workflow and
// workspace registration, session lifecycle, approval resolution, and the
// Prometheus metrics endpoint. Handlers stay thin; all orchestration
// semantics live in the engine and the approval router.
package httpapi
