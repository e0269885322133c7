package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider generates deterministic embeddings from the text itself.
// It needs no network, so it is the last link of the fallback chain.
//
// Each word is hashed into a handful of dimensions and a whole-text seed adds
// a low-amplitude background, so texts sharing words land near each other
// while identical text always yields the identical vector.
type HashProvider struct {
	dimensions int
}

// NewHashProvider returns a HashProvider producing vectors of length dim.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashProvider{dimensions: dim}
}

func (h *HashProvider) Dimension() int { return h.dimensions }

func (h *HashProvider) Name() string { return "hash" }

// Embed never fails.
func (h *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *HashProvider) vector(text string) []float32 {
	vec := make([]float32, h.dimensions)

	whole := fnv.New64a()
	_, _ = whole.Write([]byte(text))
	seed := whole.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64) * 0.05
	}

	for _, word := range strings.Fields(strings.ToLower(text)) {
		w := fnv.New32a()
		_, _ = w.Write([]byte(strings.Trim(word, ".,;:!?\"'()")))
		sum := w.Sum32()
		for i := uint32(0); i < 4; i++ {
			dim := int((sum + i*2654435761) % uint32(h.dimensions)) //nolint:gosec // dimensions is positive
			vec[dim] += float32(math.Sin(float64(sum+i)*0.1) + 1.0)
		}
	}

	return Normalize(vec)
}
