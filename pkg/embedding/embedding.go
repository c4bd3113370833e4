// Package embedding implements fast, deterministic, locality-sensitive
// embeddings for tool descriptors using xxHash3-based SimHash.
//
// The vector is derived from descriptor name, description, and the
// flattened parameter keys of the tool's input schema (after
// camelCase/snake_case tokenization). This design delivers useful
// semantic recall for "find the tool that can do X" queries while
// remaining fully deterministic, sub-microsecond, and requiring zero
// external models, GPUs, or network calls — which matters here because
// the discovery index must produce the same ranking on every restart
// with no embedding service to call out to.
//
// Key properties:
//   - Fully deterministic and reproducible across machines and versions.
//   - Less than 2 µs per descriptor on typical hardware.
//   - No runtime dependencies beyond the Go standard library plus
//     github.com/zeebo/xxh3.
//
// Example:
//
//	vec := embedding.Generate(embedding.Descriptor{Name: "say", Description: "say hello"})
//	// vec is []float64, values are ±1.0 until Normalize is called.
package embedding

import (
	"math"
	"strings"

	"github.com/zeebo/xxh3"
)

// Dimensions is the size of the embedding vector.
const Dimensions = 384

// Descriptor contains the signals used to generate a tool embedding.
type Descriptor struct {
	Name        string
	Description string
	Endpoint    string   // Optional: owning endpoint, for future boosting.
	SchemaKeys  []string // Optional: flattened JSON schema property names.
}

// Generate returns a 384-dim SimHash built from the descriptor's name,
// description, and schema key tokens.
func Generate(d Descriptor) []float64 {
	tokens := tokenizeForEmbedding(d.Name)
	tokens = append(tokens, tokenizeForEmbedding(d.Description)...)
	for _, key := range d.SchemaKeys {
		tokens = append(tokens, tokenizeForEmbedding(key)...)
	}

	return hashTokens(deduplicateTokens(tokens))
}

// GenerateQuery generates an embedding vector for a search query, using the
// same SimHash algorithm as Generate so query and descriptor vectors are
// directly comparable by cosine similarity.
func GenerateQuery(query string) []float64 {
	return hashTokens(deduplicateTokens(tokenizeForEmbedding(query)))
}

func hashTokens(tokens []string) []float64 {
	vec := make([]float64, Dimensions)

	for _, token := range tokens {
		h := xxh3.HashString(token) // 64-bit hash.

		// Unroll 6 x 64 bits -> 384 dimensions.
		for bit := uint(0); bit < 64; bit++ {
			if h&(1<<bit) != 0 {
				vec[bit] += 1
				vec[bit+64] += 1
				vec[bit+128] += 1
				vec[bit+192] += 1
				vec[bit+256] += 1
				vec[bit+320] += 1
			} else {
				vec[bit] -= 1
				vec[bit+64] -= 1
				vec[bit+128] -= 1
				vec[bit+192] -= 1
				vec[bit+256] -= 1
				vec[bit+320] -= 1
			}
		}
	}

	for i := range vec {
		if vec[i] > 0 {
			vec[i] = 1.0
		} else {
			vec[i] = -1.0
		}
	}

	return vec
}

// Normalize scales vec to unit L2 length in place. The discovery index
// calls this once at insert time so that search scores by plain dot
// product instead of full cosine similarity on every query.
func Normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}

	if sum == 0 {
		return
	}

	magnitude := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] *= magnitude
	}
}

// tokenizeForEmbedding tokenizes text for embedding generation.
func tokenizeForEmbedding(text string) []string {
	// Split by various delimiters BEFORE lowercasing (to preserve camelCase).
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '/' || r == '_' || r == ' ' || r == ',' || r == ';' ||
			r == '(' || r == ')' || r == '*' || r == '[' || r == ']' || r == ':' || r == '-'
	})

	tokens := []string{}
	for _, part := range parts {
		// Split camelCase (this internally lowercases).
		tokens = append(tokens, splitCamelCase(part)...)
	}

	return tokens
}

// splitCamelCase splits a camelCase or PascalCase string into words.
// Example: "handleCheckout" -> ["handle", "checkout"]
func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var words []string
	lastIdx := 0

	for i := 1; i < len(s); i++ {
		// Check if current character is uppercase and previous is lowercase.
		if s[i] >= 'A' && s[i] <= 'Z' && s[i-1] >= 'a' && s[i-1] <= 'z' {
			words = append(words, strings.ToLower(s[lastIdx:i]))
			lastIdx = i
		}
	}

	if lastIdx < len(s) {
		words = append(words, strings.ToLower(s[lastIdx:]))
	}

	return words
}

// deduplicateTokens removes duplicate tokens while preserving order.
func deduplicateTokens(tokens []string) []string {
	seen := make(map[string]bool)
	result := []string{}

	for _, token := range tokens {
		if token == "" {
			continue
		}
		if !seen[token] {
			seen[token] = true
			result = append(result, token)
		}
	}

	return result
}
