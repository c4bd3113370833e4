// Package config provides daemon configuration loading for NCP.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultDir    = ".ncp"
	configFile    = "config.yaml"
	profilesDir   = "profiles"
	fallbackDir   = "/tmp/ncp-fallback"
	envConfigPath = "NCP_CONFIG"
)

// Loader handles loading and saving the global configuration file.
type Loader struct {
	homeDir string
}

// NewLoader creates a new config loader.
//
// The base directory is resolved in this order:
//  1. NCP_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/ncp-fallback (containerized environments without a home dir).
//
// NewLoader never returns an error: in minimal containers where no home
// directory exists, the fallback ensures LoadGlobalConfig still returns
// defaults with environment overrides applied.
func NewLoader() (*Loader, error) {
	if baseDir := os.Getenv(envConfigPath); baseDir != "" {
		return &Loader{homeDir: baseDir}, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}, nil
	}

	return &Loader{homeDir: fallbackDir}, nil
}

// GlobalConfigPath returns the path to the global config file.
func (l *Loader) GlobalConfigPath() string {
	return filepath.Join(l.homeDir, defaultDir, configFile)
}

// ProfilesDir returns the directory holding per-profile manifests.
func (l *Loader) ProfilesDir() string {
	return filepath.Join(l.homeDir, defaultDir, profilesDir)
}

// ProfilePath returns the manifest path for a named profile.
func (l *Loader) ProfilePath(name string) string {
	return filepath.Join(l.ProfilesDir(), name+".json")
}

// DataDir returns the directory used for caches and persisted state
// (capability cache, health state, embedding cache).
func (l *Loader) DataDir() string {
	return filepath.Join(l.homeDir, defaultDir, "data")
}

// LoadGlobalConfig loads the global configuration, falling back to
// defaults if the file doesn't exist, then applies environment overrides.
func (l *Loader) LoadGlobalConfig() (*GlobalConfig, error) {
	path := l.GlobalConfigPath()

	cfg := DefaultGlobalConfig()
	if _, err := os.Stat(path); err == nil {
		//nolint:gosec // G304: path is from the trusted config directory.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse global config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat global config: %w", err)
	}

	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// SaveGlobalConfig writes the global configuration to disk, creating
// parent directories as needed.
func (l *Loader) SaveGlobalConfig(cfg *GlobalConfig) error {
	path := l.GlobalConfigPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal global config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write global config: %w", err)
	}

	return nil
}
