// Package embed provides the text embedding used by engines that keep
// vectors client-side. The interface mirrors the classic encoder shape:
// batch text in, fixed-dimension vectors out.
package embed

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder encodes texts into fixed-dimension vectors. Implementations must
// be deterministic: the same text always yields the same vector.
type Embedder interface {
	Encode(texts []string) [][]float32
	Dim() int
}

// New selects an embedder by type name. "default" (and the empty string) is
// the model-free hashing embedder; it needs no downloads and no network,
// which keeps single-binary deployments self-contained.
func New(typ string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "default", "hashing":
		return NewHashing(defaultDim), nil
	default:
		return nil, fmt.Errorf("unknown embedder.type: %q", typ)
	}
}

const defaultDim = 256

// Hashing is a feature-hashing embedder: unigram and bigram tokens are
// hashed into a fixed-size vector which is then L2-normalized, so the dot
// product of two vectors is their cosine similarity. Texts sharing tokens
// score above zero; disjoint texts score near zero.
type Hashing struct {
	dim int
}

// NewHashing returns a hashing embedder with the given dimension.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = defaultDim
	}
	return &Hashing{dim: dim}
}

func (h *Hashing) Dim() int { return h.dim }

func (h *Hashing) Encode(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.encodeOne(t)
	}
	return out
}

func (h *Hashing) encodeOne(text string) []float32 {
	vec := make([]float32, h.dim)
	tokens := tokenize(text)

	for i, tok := range tokens {
		vec[h.slot(tok)]++
		if i+1 < len(tokens) {
			vec[h.slot(tokens[i]+" "+tokens[i+1])]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (h *Hashing) slot(token string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(token))
	return int(f.Sum32() % uint32(h.dim))
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Cosine returns the dot product of two normalized vectors. Mismatched
// lengths yield zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
