// Package discovery maintains the set of tool descriptors advertised by
// every attached endpoint and answers natural-language queries via vector
// similarity.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/embedding"
)

// ToolDescriptor identifies a single tool exposed by a downstream endpoint.
type ToolDescriptor struct {
	EndpointName string
	ToolName     string
	Description  string
	InputSchema  json.RawMessage
}

// QualifiedName returns the "endpoint:tool" identifier used by run().
func (d ToolDescriptor) QualifiedName() string {
	return d.EndpointName + ":" + d.ToolName
}

// schemaHash returns a stable hash of the descriptor's identity-relevant
// fields, used to decide whether a cached embedding can be reused.
func (d ToolDescriptor) schemaHash() string {
	h := sha256.New()
	_, _ = h.Write([]byte(d.EndpointName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.ToolName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.Description))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(d.InputSchema)
	return hex.EncodeToString(h.Sum(nil))
}

// Result is a single ranked search hit.
type Result struct {
	Descriptor ToolDescriptor
	Score      float64
}

// Stats summarizes the current index contents.
type Stats struct {
	TotalTools      int
	PerEndpoint     map[string]int
	LastRebuildTime time.Time
}

// HealthFilter reports whether an endpoint should be excluded from search
// results. The index calls back into the Health Monitor through this
// narrow interface rather than holding a direct reference to it.
type HealthFilter func(endpoint string) (disabled bool)

type entry struct {
	descriptor ToolDescriptor
	vector     []float64
	cacheKey   string
}

// Index is a read-mostly vector store over tool descriptors. Searches take
// a read lock; upsert/remove take the write lock, matching the spec's
// reader/writer discipline (many concurrent searches, exclusive rebuilds).
type Index struct {
	mu         sync.RWMutex
	byTool     map[string]*entry          // qualified name -> entry
	byEndpoint map[string]map[string]bool // endpoint -> set of qualified names
	rebuiltAt  time.Time

	provider *embedding.Provider
	logger   zerolog.Logger
}

// New creates an empty Index backed by provider for computing descriptor
// embeddings.
func New(provider *embedding.Provider, logger zerolog.Logger) *Index {
	return &Index{
		byTool:     make(map[string]*entry),
		byEndpoint: make(map[string]map[string]bool),
		provider:   provider,
		logger:     logger.With().Str("component", "discovery_index").Logger(),
	}
}

// Upsert atomically replaces all descriptors for endpoint. Embeddings are
// only recomputed for descriptors whose (endpoint, tool, description,
// schema) tuple wasn't already embedded — the embedding provider's own
// disk cache makes this reuse durable across restarts too.
func (idx *Index) Upsert(ctx context.Context, endpointName string, descriptors []ToolDescriptor) error {
	newEntries := make(map[string]*entry, len(descriptors))
	reembedded := false

	for _, d := range descriptors {
		if d.EndpointName != endpointName {
			return fmt.Errorf("descriptor %q does not belong to endpoint %q", d.QualifiedName(), endpointName)
		}

		key := d.schemaHash()

		idx.mu.RLock()
		existing, ok := idx.byTool[d.QualifiedName()]
		idx.mu.RUnlock()

		if ok && existing.cacheKey == key {
			newEntries[d.QualifiedName()] = existing
			continue
		}
		reembedded = true

		var schemaKeys []string
		for k := range flattenSchemaKeys(d.InputSchema) {
			schemaKeys = append(schemaKeys, k)
		}
		sort.Strings(schemaKeys)

		vec, err := idx.provider.Embed(ctx, embedding.Input{
			Name:        d.ToolName,
			Description: d.Description,
			SchemaKeys:  schemaKeys,
		})
		if err != nil {
			return fmt.Errorf("embed descriptor %q: %w", d.QualifiedName(), err)
		}

		newEntries[d.QualifiedName()] = &entry{descriptor: d, vector: vec, cacheKey: key}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	previousNames := idx.byEndpoint[endpointName]
	changed := reembedded || len(previousNames) != len(newEntries)
	if !changed {
		for name := range newEntries {
			if !previousNames[name] {
				changed = true
				break
			}
		}
	}

	for name := range idx.byEndpoint[endpointName] {
		delete(idx.byTool, name)
	}

	names := make(map[string]bool, len(newEntries))
	for name, e := range newEntries {
		idx.byTool[name] = e
		names[name] = true
	}
	idx.byEndpoint[endpointName] = names

	if changed {
		idx.rebuiltAt = time.Now()
	}

	return nil
}

// Remove drops all descriptors for endpoint, used when the HealthMonitor
// auto-disables it.
func (idx *Index) Remove(endpointName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for name := range idx.byEndpoint[endpointName] {
		delete(idx.byTool, name)
	}
	delete(idx.byEndpoint, endpointName)
	idx.rebuiltAt = time.Now()
}

// Search embeds queryText once and scores every descriptor by cosine
// similarity (a plain dot product, since vectors are normalized at
// insert), returning the top k. An empty queryText returns descriptors in
// stable deterministic order instead of by score. filter, if non-nil,
// excludes endpoints it reports as disabled.
func (idx *Index) Search(queryText string, k int, filter HealthFilter) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]Result, 0, len(idx.byTool))

	if queryText == "" {
		for _, e := range idx.byTool {
			if filter != nil && filter(e.descriptor.EndpointName) {
				continue
			}
			candidates = append(candidates, Result{Descriptor: e.descriptor, Score: 0})
		}
		sort.Slice(candidates, func(i, j int) bool {
			return lessByName(candidates[i].Descriptor, candidates[j].Descriptor)
		})
	} else {
		queryVec := idx.provider.EmbedQuery(queryText)
		for _, e := range idx.byTool {
			if filter != nil && filter(e.descriptor.EndpointName) {
				continue
			}
			candidates = append(candidates, Result{Descriptor: e.descriptor, Score: dot(e.vector, queryVec)})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Score != candidates[j].Score {
				return candidates[i].Score > candidates[j].Score
			}
			return lessByName(candidates[i].Descriptor, candidates[j].Descriptor)
		})
	}

	if k >= 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// Stats reports index size and the timestamp of the last rebuild.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	perEndpoint := make(map[string]int, len(idx.byEndpoint))
	for ep, names := range idx.byEndpoint {
		perEndpoint[ep] = len(names)
	}

	return Stats{
		TotalTools:      len(idx.byTool),
		PerEndpoint:     perEndpoint,
		LastRebuildTime: idx.rebuiltAt,
	}
}

func lessByName(a, b ToolDescriptor) bool {
	if a.EndpointName != b.EndpointName {
		return a.EndpointName < b.EndpointName
	}
	return a.ToolName < b.ToolName
}

func dot(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// flattenSchemaKeys returns the top-level property names of a JSON schema
// object, for use as embedding enrichment signals. Malformed or missing
// schemas simply contribute no keys.
func flattenSchemaKeys(schema json.RawMessage) map[string]bool {
	keys := make(map[string]bool)
	if len(schema) == 0 {
		return keys
	}

	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return keys
	}
	for k := range parsed.Properties {
		keys[k] = true
	}
	return keys
}
