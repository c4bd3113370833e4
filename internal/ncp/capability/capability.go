// Package capability persists each endpoint's most recent tool/resource/
// prompt exchange to disk, keyed by a hash of the transport config that
// produced it. A restart against an endpoint whose config hasn't changed
// can reuse the cached snapshot instead of re-querying it, the way the
// Health Monitor reuses its own persisted state across restarts.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/transport"
	"github.com/ncp-mesh/ncp/internal/safe"
)

// ToolInfo, ResourceInfo, and PromptInfo carry just enough of a downstream
// endpoint's capability exchange to reseed the discovery index and the
// listResources/listPrompts surfaces without dialing the endpoint again.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Snapshot is one endpoint's cached capability exchange result.
type Snapshot struct {
	Hash       string         `json:"hash"`
	Tools      []ToolInfo     `json:"tools"`
	Resources  []ResourceInfo `json:"resources,omitempty"`
	Prompts    []PromptInfo   `json:"prompts,omitempty"`
	EmbeddedAt time.Time      `json:"embedded_at"`
}

// Hash returns the cache key for cfg: any change to how an endpoint is
// reached invalidates its snapshot, since the new endpoint might advertise
// a different capability set entirely.
func Hash(cfg transport.Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%v\x00%v\x00%s\x00%s\x00%s\x00%s",
		cfg.Kind, cfg.Command, cfg.Args, cfg.Env, cfg.URL, cfg.BearerToken, cfg.BasicUser, cfg.BasicPass)
	return hex.EncodeToString(h.Sum(nil))
}

// Store is a JSON-file-backed cache of per-endpoint Snapshots.
type Store struct {
	mu        sync.Mutex
	path      string
	snapshots map[string]Snapshot
	logger    zerolog.Logger
}

// NewStore loads any existing cache at path. A missing or corrupt file is
// non-fatal: the store starts empty, matching health.NewMonitor's own
// tolerance for a missing state file.
func NewStore(path string, logger zerolog.Logger) *Store {
	s := &Store{
		path:      path,
		snapshots: make(map[string]Snapshot),
		logger:    logger.With().Str("component", "capability_cache").Logger(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.path == "" {
		return
	}

	//nolint:gosec // G304: path is derived from the trusted data directory.
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var snapshots map[string]Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse capability cache, starting empty")
		return
	}
	s.snapshots = snapshots
}

func (s *Store) persist() {
	if s.path == "" {
		return
	}

	data, err := json.MarshalIndent(s.snapshots, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal capability cache")
		return
	}

	if err := safe.WriteFileAtomic(s.path, data, 0o644, s.logger); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist capability cache")
	}
}

// Lookup returns the cached snapshot for endpoint if its hash matches
// wantHash, meaning the capability exchange can be skipped entirely.
func (s *Store) Lookup(endpoint, wantHash string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[endpoint]
	if !ok || snap.Hash != wantHash {
		return Snapshot{}, false
	}
	return snap, true
}

// Put records a fresh capability exchange result for endpoint.
func (s *Store) Put(endpoint string, snap Snapshot) {
	s.mu.Lock()
	s.snapshots[endpoint] = snap
	s.mu.Unlock()
	s.persist()
}

// Forget drops endpoint's cached snapshot, used when it's removed from the
// profile or auto-disabled — a re-enabled endpoint should always re-query
// rather than trust a stale cache.
func (s *Store) Forget(endpoint string) {
	s.mu.Lock()
	delete(s.snapshots, endpoint)
	s.mu.Unlock()
	s.persist()
}
