package retriever

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// hashingBackend is the in-process fallback used when
// no local embedding service responds: a hashed bag-of-words vector. No
// third-party in-process sentence-embedding library exists anywhere in the
// example pack (checked: no onnxruntime/sentencepiece/bert-style binding),
// so this is a deliberate stdlib fallback of last resort, not a default —
// SelectBackend always tries a real provider first.
type hashingBackend struct {
	dims int
}

// NewHashingFallback returns the in-process fallback embedder.
func NewHashingFallback(dims int) Backend {
	if dims <= 0 {
		dims = 256
	}
	return hashingBackend{dims: dims}
}

func (h hashingBackend) Name() string { return "hashing-fallback" }

func (h hashingBackend) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}
	for _, w := range words {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(w))
		idx := int(hasher.Sum32()) % h.dims
		if idx < 0 {
			idx += h.dims
		}
		vec[idx]++
	}
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
