// Package notify renders health-state transitions as human-readable lines
// for CLI and log consumption. It only formats; nothing here delivers a
// notification anywhere (no email, no Slack, no webhook).
package notify

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/health"
)

// Transition describes a single endpoint moving from one health status to
// another.
type Transition struct {
	Endpoint string
	From     health.Status
	To       health.Status
	Detail   string
}

// Line renders a transition the way an operator tailing logs would want to
// read it: "endpoint-name: healthy -> degraded (detail)".
func (t Transition) Line() string {
	if t.Detail == "" {
		return fmt.Sprintf("%s: %s -> %s", t.Endpoint, t.From, t.To)
	}
	return fmt.Sprintf("%s: %s -> %s (%s)", t.Endpoint, t.From, t.To, t.Detail)
}

// Log emits a transition as a structured log line, matching the
// tool-call audit convention used elsewhere in this codebase: one Info or
// Warn event per notable state change, never a multi-line dump.
func Log(logger zerolog.Logger, t Transition) {
	event := logger.Info()
	if t.To == health.StatusDisabled || t.To == health.StatusUnhealthy {
		event = logger.Warn()
	}

	event.
		Str("endpoint", t.Endpoint).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("detail", t.Detail).
		Msg("endpoint health transition")
}

// Watch wraps a health.Monitor's mutation calls so every resulting status
// change also gets formatted through Log. It holds its own copy of the last
// observed status per endpoint so it can diff before/after a mutation.
type Watch struct {
	monitor *health.Monitor
	logger  zerolog.Logger
	last    map[string]health.Status
}

// NewWatch creates a Watch over an already-constructed Monitor.
func NewWatch(monitor *health.Monitor, logger zerolog.Logger) *Watch {
	return &Watch{
		monitor: monitor,
		logger:  logger.With().Str("component", "notify").Logger(),
		last:    make(map[string]health.Status),
	}
}

// Observe checks endpoint's current status against the last status Observe
// saw for it, logs a Transition if it changed, and updates its memory.
// Callers invoke this after every MarkSuccess/MarkFailure.
func (w *Watch) Observe(endpoint, detail string) {
	current := w.monitor.Status(endpoint)
	previous, seen := w.last[endpoint]
	w.last[endpoint] = current

	if !seen || previous == current {
		return
	}

	Log(w.logger, Transition{
		Endpoint: endpoint,
		From:     previous,
		To:       current,
		Detail:   detail,
	})
}
