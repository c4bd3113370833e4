// Package health tracks per-endpoint error bookkeeping and auto-disables
// endpoints that fail repeatedly. State is persisted to disk so a
// disabled endpoint stays disabled across restarts until an operator
// explicitly resets it.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/safe"
)

// Status is the coarse health state of an endpoint.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
	StatusUnknown   Status = "unknown"
)

// Classification distinguishes failures that warrant a fresh connection
// attempt from ones that should be raised as a health event immediately.
type Classification string

const (
	Transient Classification = "transient" // network_error, timeout
	Fatal     Classification = "fatal"     // auth_failed, protocol_error, spawn_failed
)

// Record is the persisted per-endpoint health state.
type Record struct {
	Status              Status    `json:"status"`
	ErrorCount          int       `json:"error_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorTime       time.Time `json:"last_error_time,omitempty"`
	LastSuccessTime     time.Time `json:"last_success_time,omitempty"`

	// LastIncidentID is a ULID minted on every status-lowering transition,
	// so an operator reading "ncp doctor" output or a log line can
	// correlate the two without depending on wall-clock precision.
	LastIncidentID string `json:"last_incident_id,omitempty"`
}

// disableAfter is the default number of consecutive failures that
// quarantines an endpoint (spec: three). Overridable via WithDisableAfter.
const disableAfter = 3

// Monitor tracks health records for every known endpoint and persists them
// to a JSON file under the data directory after every mutation.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*Record

	statePath    string
	disableAfter int
	logger       zerolog.Logger
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithDisableAfter overrides the default consecutive-failure threshold
// (usually sourced from the daemon's GlobalConfig.DisableThreshold).
func WithDisableAfter(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.disableAfter = n
		}
	}
}

// NewMonitor creates a Monitor, loading any existing state from statePath.
// A missing or corrupt state file is non-fatal: the monitor starts empty.
func NewMonitor(statePath string, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		records:      make(map[string]*Record),
		statePath:    statePath,
		disableAfter: disableAfter,
		logger:       logger.With().Str("component", "health_monitor").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Monitor) load() {
	if m.statePath == "" {
		return
	}

	//nolint:gosec // G304: statePath is derived from the trusted data directory.
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return
	}

	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		m.logger.Warn().Err(err).Msg("failed to parse health state file, starting empty")
		return
	}

	m.records = records
}

func (m *Monitor) persist() {
	if m.statePath == "" {
		return
	}

	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal health state")
		return
	}

	if err := safe.WriteFileAtomic(m.statePath, data, 0o644, m.logger); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist health state")
	}
}

func (m *Monitor) recordFor(endpoint string) *Record {
	r, ok := m.records[endpoint]
	if !ok {
		r = &Record{Status: StatusUnknown}
		m.records[endpoint] = r
	}
	return r
}

// MarkSuccess resets the consecutive-failure counter and, unless the
// endpoint is disabled, raises its status to healthy.
func (m *Monitor) MarkSuccess(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(endpoint)
	r.ConsecutiveFailures = 0
	r.LastSuccessTime = time.Now()
	if r.Status != StatusDisabled {
		r.Status = StatusHealthy
	}

	m.persist()
}

// MarkFailure records a failure for endpoint and advances its status
// according to the consecutive-failure ladder: one -> degraded, two ->
// unhealthy, three -> disabled (sticky until Reset).
func (m *Monitor) MarkFailure(endpoint string, class Classification, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(endpoint)
	r.ErrorCount++
	r.ConsecutiveFailures++
	r.LastError = detail
	r.LastErrorTime = time.Now()

	previousStatus := r.Status
	switch {
	case r.ConsecutiveFailures >= m.disableAfter:
		r.Status = StatusDisabled
	case r.ConsecutiveFailures == 2:
		r.Status = StatusUnhealthy
	default:
		r.Status = StatusDegraded
	}
	if r.Status != previousStatus {
		r.LastIncidentID = ulid.Make().String()
	}

	m.logger.Warn().
		Str("endpoint", endpoint).
		Str("classification", string(class)).
		Int("consecutive_failures", r.ConsecutiveFailures).
		Str("status", string(r.Status)).
		Str("incident_id", r.LastIncidentID).
		Msg(detail)

	m.persist()
}

// Disable immediately quarantines endpoint regardless of its consecutive-
// failure count. Used for failures that the normal three-strike ladder
// shouldn't apply to — a rejected-as-unsafe command will never start
// passing on retry, so there's nothing to be gained by waiting it out.
func (m *Monitor) Disable(endpoint, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(endpoint)
	r.ErrorCount++
	r.LastError = detail
	r.LastErrorTime = time.Now()

	previousStatus := r.Status
	r.Status = StatusDisabled
	if r.Status != previousStatus {
		r.LastIncidentID = ulid.Make().String()
	}

	m.logger.Warn().
		Str("endpoint", endpoint).
		Str("status", string(r.Status)).
		Str("incident_id", r.LastIncidentID).
		Msg(detail)

	m.persist()
}

// Status returns the current status of endpoint, or unknown if it has
// never reported in.
func (m *Monitor) Status(endpoint string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[endpoint]
	if !ok {
		return StatusUnknown
	}
	return r.Status
}

// IsDisabled reports whether endpoint is currently quarantined.
func (m *Monitor) IsDisabled(endpoint string) bool {
	return m.Status(endpoint) == StatusDisabled
}

// Reset clears an endpoint's health record, re-admitting it for attach on
// the next request. Used by the operator-facing "health reset" command.
func (m *Monitor) Reset(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, endpoint)
	m.persist()
}

// AllStatuses returns a snapshot of every tracked endpoint's status.
func (m *Monitor) AllStatuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.records))
	for name, r := range m.records {
		out[name] = r.Status
	}
	return out
}

// Snapshot returns a copy of the record for endpoint, useful for diagnostic
// reporting (ncp doctor).
func (m *Monitor) Snapshot(endpoint string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[endpoint]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ClassifyError maps an error-kind string from the transport/pool layer to
// a Classification, per the taxonomy in the error handling design.
func ClassifyError(kind string) (Classification, error) {
	switch kind {
	case "network_error", "timeout":
		return Transient, nil
	case "auth_failed", "protocol_error", "spawn_failed":
		return Fatal, nil
	default:
		return "", fmt.Errorf("unknown error kind %q", kind)
	}
}
