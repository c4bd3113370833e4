// Package embedding adapts pkg/embedding's deterministic SimHash algorithm
// into the discovery index's embedding provider: a pure, cacheable
// text -> vector function plus a disk cache so restarts don't recompute
// vectors for tools whose descriptor text hasn't changed.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/safe"
	"github.com/ncp-mesh/ncp/pkg/embedding"
)

// ProviderID identifies the embedding algorithm and version. It is part of
// the cache key so a future algorithm change can't silently serve stale
// vectors computed under a different scheme.
const ProviderID = "simhash-xxh3-v1"

// Dimensions is the fixed vector size this provider produces.
const Dimensions = embedding.Dimensions

// Input is the descriptor text handed to Embed.
type Input struct {
	Name        string
	Description string
	SchemaKeys  []string
}

// Provider computes and caches descriptor embeddings. It's safe for
// concurrent use by multiple callers (e.g. parallel endpoint attaches all
// feeding upsert()).
type Provider struct {
	cacheDir string
	logger   zerolog.Logger

	mu     sync.Mutex
	memory map[string][]float64 // in-process cache on top of the disk cache.
}

// NewProvider creates a provider backed by an on-disk cache rooted at
// cacheDir. cacheDir may be empty, in which case caching is in-memory only
// for the lifetime of the process.
func NewProvider(cacheDir string, logger zerolog.Logger) *Provider {
	return &Provider{
		cacheDir: cacheDir,
		logger:   logger.With().Str("component", "embedding_provider").Logger(),
		memory:   make(map[string][]float64),
	}
}

// Embed returns the normalized embedding for in, reusing a cached vector
// when one exists for the same descriptor text under this provider's ID.
func (p *Provider) Embed(ctx context.Context, in Input) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(in)

	p.mu.Lock()
	if vec, ok := p.memory[key]; ok {
		p.mu.Unlock()
		return vec, nil
	}
	p.mu.Unlock()

	if vec, ok := p.readDiskCache(key); ok {
		p.storeMemory(key, vec)
		return vec, nil
	}

	vec := embedding.Generate(embedding.Descriptor{
		Name:        in.Name,
		Description: in.Description,
		SchemaKeys:  in.SchemaKeys,
	})
	embedding.Normalize(vec)
	// Round to the float32 precision the disk cache stores, so a freshly
	// computed vector and one read back from disk are identical.
	for i, v := range vec {
		vec[i] = float64(float32(v))
	}

	if err := p.writeDiskCache(key, vec); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("failed to persist embedding cache entry")
	}
	p.storeMemory(key, vec)

	return vec, nil
}

// EmbedBatch embeds each input in turn. The algorithm is fast enough (low
// microseconds per descriptor) that a worker pool would add more overhead
// than it saves; batching exists purely as an ergonomic entry point for
// embedding several descriptors at once. The discovery index's Upsert
// calls Embed once per descriptor rather than going through EmbedBatch.
func (p *Provider) EmbedBatch(ctx context.Context, inputs []Input) ([][]float64, error) {
	vecs := make([][]float64, len(inputs))
	for i, in := range inputs {
		vec, err := p.Embed(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("embed %q: %w", in.Name, err)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// EmbedQuery embeds free-form search text using the same algorithm, so the
// resulting vector is directly comparable to descriptor vectors.
func (p *Provider) EmbedQuery(query string) []float64 {
	vec := embedding.GenerateQuery(query)
	embedding.Normalize(vec)
	return vec
}

func (p *Provider) storeMemory(key string, vec []float64) {
	p.mu.Lock()
	p.memory[key] = vec
	p.mu.Unlock()
}

func cacheKey(in Input) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%s", in.Name, in.Description)
	for _, k := range in.SchemaKeys {
		_, _ = fmt.Fprintf(h, "\x00%s", k)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Provider) cachePath(key string) string {
	return filepath.Join(p.cacheDir, ProviderID, key[:2], key+".vec")
}

func (p *Provider) readDiskCache(key string) ([]float64, bool) {
	if p.cacheDir == "" {
		return nil, false
	}

	//nolint:gosec // G304: path is derived from a hex digest, not user input.
	data, err := os.ReadFile(p.cachePath(key))
	if err != nil {
		return nil, false
	}
	if len(data) != Dimensions*4 {
		return nil, false
	}

	vec := make([]float64, Dimensions)
	for i := 0; i < Dimensions; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		vec[i] = float64(math.Float32frombits(bits))
	}
	return vec, true
}

func (p *Provider) writeDiskCache(key string, vec []float64) error {
	if p.cacheDir == "" {
		return nil
	}

	data := make([]byte, Dimensions*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], math.Float32bits(float32(v)))
	}

	return safe.WriteFileAtomic(p.cachePath(key), data, 0o644, p.logger)
}
