package embedding

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestProvider_EmbedIsDeterministic(t *testing.T) {
	p := NewProvider(t.TempDir(), zerolog.Nop())
	in := Input{Name: "ProcessPayment", Description: "charge a card", SchemaKeys: []string{"amount"}}

	v1, err := p.Embed(context.Background(), in)
	require.NoError(t, err)

	v2, err := p.Embed(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.Len(t, v1, Dimensions)
}

func TestProvider_EmbedIsUnitNormalized(t *testing.T) {
	p := NewProvider(t.TempDir(), zerolog.Nop())

	vec, err := p.Embed(context.Background(), Input{Name: "GetUser", Description: "fetch a profile"})
	require.NoError(t, err)

	var sumSquares float64
	for _, v := range vec {
		sumSquares += v * v
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-5)
}

func TestProvider_RoundTripsThroughDiskCache(t *testing.T) {
	dir := t.TempDir()
	in := Input{Name: "ValidateCard", Description: "check card validity"}

	first := NewProvider(dir, zerolog.Nop())
	v1, err := first.Embed(context.Background(), in)
	require.NoError(t, err)

	// A fresh provider instance (simulating a restart) must read the exact
	// same bytes back from the on-disk cache rather than recomputing.
	second := NewProvider(dir, zerolog.Nop())
	v2, err := second.Embed(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, v1, v2)
}

func TestProvider_CacheKeyedByDescriptorText(t *testing.T) {
	p := NewProvider(t.TempDir(), zerolog.Nop())

	v1, err := p.Embed(context.Background(), Input{Name: "Tool", Description: "a"})
	require.NoError(t, err)

	v2, err := p.Embed(context.Background(), Input{Name: "Tool", Description: "b"})
	require.NoError(t, err)

	require.NotEqual(t, v1, v2)
}

func TestProvider_EmbedBatch(t *testing.T) {
	p := NewProvider(t.TempDir(), zerolog.Nop())

	vecs, err := p.EmbedBatch(context.Background(), []Input{
		{Name: "A", Description: "first"},
		{Name: "B", Description: "second"},
	})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.NotEqual(t, vecs[0], vecs[1])
}

func TestProvider_EmbedQueryComparableToDescriptor(t *testing.T) {
	p := NewProvider(t.TempDir(), zerolog.Nop())

	toolVec, err := p.Embed(context.Background(), Input{Name: "ProcessPayment", Description: "charge a customer card"})
	require.NoError(t, err)

	queryVec := p.EmbedQuery("payment")

	require.Len(t, queryVec, Dimensions)

	var dot float64
	for i := range toolVec {
		dot += toolVec[i] * queryVec[i]
	}
	require.Greater(t, dot, 0.0)
}

func TestProvider_EmptyCacheDirSkipsDiskPersistence(t *testing.T) {
	p := NewProvider("", zerolog.Nop())

	vec, err := p.Embed(context.Background(), Input{Name: "NoCache", Description: "in-memory only"})
	require.NoError(t, err)
	require.Len(t, vec, Dimensions)
}

func TestProvider_CachePathIsShardedByKeyPrefix(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(dir, zerolog.Nop())

	_, err := p.Embed(context.Background(), Input{Name: "Sharded", Description: "check layout"})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, ProviderID, "*", "*.vec"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
