package config

import "time"

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// GlobalConfig represents the daemon-level settings read from
// ~/.ncp/config.yaml. Per-endpoint settings live in the profile manifest
// (see internal/ncp/profile), not here.
type GlobalConfig struct {
	Version string `yaml:"version"`

	// LogLevel sets the zerolog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" env:"NCP_LOG_LEVEL"`

	// Autoscan is loaded from the config file and NCP_AUTOSCAN, but no code
	// reads it: Orchestrator.Initialize attaches every endpoint it is given
	// whatever its value.
	Autoscan bool `yaml:"autoscan" env:"NCP_AUTOSCAN"`

	// AttachTimeout is used only by `ncp doctor`, which bounds its whole
	// attach wave by AttachTimeout × (number of endpoints + 1). `ncp serve`
	// and the connection pool apply no per-attach timeout.
	AttachTimeout time.Duration `yaml:"attach_timeout" env:"NCP_ATTACH_TIMEOUT"`

	// RequestTimeout is loaded but not applied: run() calls are bounded
	// only by the caller's context.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HibernateAfter is how long a READY connection may sit idle before
	// its transport is torn down.
	HibernateAfter time.Duration `yaml:"hibernate_after"`

	// AttachConcurrency bounds the number of endpoints attached in parallel
	// during Initialize.
	AttachConcurrency int `yaml:"attach_concurrency"`

	// DisableThreshold is the number of consecutive failures before an
	// endpoint is auto-disabled.
	DisableThreshold int `yaml:"disable_threshold"`

	// DefaultProfile names the profile to load when none is specified.
	DefaultProfile string `yaml:"default_profile,omitempty"`
}

// DefaultGlobalConfig returns the configuration used when no config file
// exists and no environment overrides are present.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Version:           SchemaVersion,
		LogLevel:          "info",
		Autoscan:          false,
		AttachTimeout:     30 * time.Second,
		RequestTimeout:    60 * time.Second,
		HibernateAfter:    5 * time.Minute,
		AttachConcurrency: 8,
		DisableThreshold:  3,
		DefaultProfile:    "default",
	}
}
