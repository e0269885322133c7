// Package embedding turns text into fixed-length, unit-normalized vectors.
//
// A single Provider is chosen once at startup (see Select) and shared by the
// memory and episode stores. Every provider returns vectors of the same
// dimension with an L2 norm of 1, so similarity scores are comparable no
// matter which backend produced them.
package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// DefaultDimension matches the width of common hosted embedding models.
const DefaultDimension = 1536

// Provider is a pluggable interface for getting embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the length of every vector returned by Embed.
	Dimension() int
	// Name identifies the backend in logs.
	Name() string
}

// Normalize scales vec to unit length in place and returns it.
// A zero vector has no direction, so it is replaced with the first basis vector.
func Normalize(vec []float32) []float32 {
	if len(vec) == 0 {
		return vec
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		for i := range vec {
			vec[i] = 0
		}
		vec[0] = 1
		return vec
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

// Resize fits vec to dim by truncating or by tiling the existing values with a
// small deterministic perturbation, then re-normalizes.
func Resize(vec []float32, dim int) []float32 {
	out := make([]float32, dim)
	if len(vec) == 0 {
		return Normalize(out)
	}
	if len(vec) >= dim {
		copy(out, vec[:dim])
		return Normalize(out)
	}
	for i := range out {
		base := vec[i%len(vec)]
		cycle := i / len(vec)
		// Each repetition is offset slightly so tiles are not exact copies.
		out[i] = base + float32(math.Sin(float64(i)*0.7+float64(cycle)))*0.01
	}
	return Normalize(out)
}

// CosineSimilarity between two equal-length vectors.
// Returns 0 when either vector is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

// EncodeEmbedding encodes a []float32 into a []byte for storage.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	return b
}

// DecodeEmbedding decodes a []byte into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		u := binary.LittleEndian.Uint32(b[i*4:])
		vec[i] = math.Float32frombits(u)
	}
	return vec, nil
}
