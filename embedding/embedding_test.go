package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/rs/zerolog"
)

const epsilon = 1e-5

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	a, err := p.Embed(ctx, "payment failed for the pro plan")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, _ := p.Embed(ctx, "payment failed for the pro plan")

	if string(EncodeEmbedding(a)) != string(EncodeEmbedding(b)) {
		t.Error("hash embeddings differ for identical text")
	}
	if len(a) != 256 {
		t.Errorf("expected 256 dimensions, got %d", len(a))
	}
}

func TestHashProvider_UnitNorm(t *testing.T) {
	p := NewHashProvider(DefaultDimension)
	for _, text := range []string{"", "a", "subscriber cancelled after six months", "¡ñ 日本語"} {
		vec, _ := p.Embed(context.Background(), text)
		if n := norm(vec); math.Abs(n-1) > epsilon {
			t.Errorf("norm(%q) = %f, want 1", text, n)
		}
	}
}

func TestHashProvider_SharedWordsAreCloser(t *testing.T) {
	p := NewHashProvider(512)
	ctx := context.Background()
	base, _ := p.Embed(ctx, "payment failed card declined")
	near, _ := p.Embed(ctx, "payment failed card expired")
	far, _ := p.Embed(ctx, "trial ending soon upgrade")

	if CosineSimilarity(base, near) <= CosineSimilarity(base, far) {
		t.Error("expected texts sharing words to be more similar")
	}
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	zero := make([]float32, 8)
	other := Normalize([]float32{1, 2, 3, 4, 5, 6, 7, 8})

	if got := CosineSimilarity(zero, other); got != 0 {
		t.Errorf("expected 0 for zero vector, got %f", got)
	}
	if got := CosineSimilarity(other, zero); got != 0 {
		t.Errorf("expected 0 for zero vector, got %f", got)
	}
	if got := CosineSimilarity(nil, other); got != 0 {
		t.Errorf("expected 0 for empty vector, got %f", got)
	}
	if got := CosineSimilarity(other[:4], other); got != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %f", got)
	}
	if got := CosineSimilarity(other, other); math.Abs(got-1) > epsilon {
		t.Errorf("expected 1 for identical vectors, got %f", got)
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	vec := Normalize(make([]float32, 4))
	if vec[0] != 1 || norm(vec) != 1 {
		t.Errorf("expected first basis vector, got %v", vec)
	}
}

func TestResize(t *testing.T) {
	short := []float32{0.3, -0.2, 0.9}
	grown := Resize(short, 64)
	if len(grown) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(grown))
	}
	if math.Abs(norm(grown)-1) > epsilon {
		t.Errorf("resized vector not normalized: %f", norm(grown))
	}
	again := Resize(short, 64)
	for i := range grown {
		if grown[i] != again[i] {
			t.Fatal("Resize is not deterministic")
		}
	}

	shrunk := Resize(grown, 8)
	if len(shrunk) != 8 || math.Abs(norm(shrunk)-1) > epsilon {
		t.Errorf("truncation failed: len=%d norm=%f", len(shrunk), norm(shrunk))
	}
}

func TestEncodeDecodeEmbedding(t *testing.T) {
	vec := []float32{0.1, -0.5, 3.25}
	got, err := DecodeEmbedding(EncodeEmbedding(vec))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: got %f want %f", i, got[i], vec[i])
		}
	}
	if _, err := DecodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

// flakyProvider fails while down is set and otherwise returns a fixed
// vector unrelated to the hash space.
type flakyProvider struct {
	dim  int
	down bool
}

func (f *flakyProvider) Embed(context.Context, string) ([]float32, error) {
	if f.down {
		return nil, errors.New("backend down")
	}
	vec := make([]float32, f.dim)
	vec[0] = 1
	return vec, nil
}
func (f *flakyProvider) Dimension() int { return f.dim }
func (f *flakyProvider) Name() string   { return "flaky" }

func TestCached_OutageIsNotCached(t *testing.T) {
	primary := &flakyProvider{dim: 64, down: true}
	c, err := NewCached(primary, 100)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if vec, err := c.Embed(ctx, "card declined"); err == nil {
		t.Fatalf("expected error during outage, got vector of len %d", len(vec))
	}
	c.Wait()

	primary.down = false
	vec, err := c.Embed(ctx, "card declined")
	if err != nil {
		t.Fatalf("Embed after recovery failed: %v", err)
	}
	want, _ := primary.Embed(ctx, "card declined")
	if sim := CosineSimilarity(vec, want); math.Abs(sim-1) > epsilon {
		t.Errorf("expected primary-space vector after recovery, similarity %f", sim)
	}
}

func TestCached_RejectsWrongDimension(t *testing.T) {
	c, err := NewCached(wrongDimProvider{}, 100)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}
	defer c.Close()
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for wrong-dimension vector")
	}
}

type wrongDimProvider struct{}

func (wrongDimProvider) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (wrongDimProvider) Dimension() int { return 8 }
func (wrongDimProvider) Name() string   { return "wrong" }

func TestSelect_NoPerCallFallback(t *testing.T) {
	// A failing generative backend surfaces errors instead of hash vectors.
	p := Select(Options{Provider: ProviderGenerative, Dimension: 64, CacheSize: -1}, featureClient{reply: "no idea"}, zerolog.Nop())
	if p.Name() != ProviderGenerative {
		t.Fatalf("expected generative provider, got %s", p.Name())
	}
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("expected the generative failure to surface")
	}
}

type countingProvider struct {
	HashProvider
	calls int
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.HashProvider.Embed(ctx, text)
}

func TestCached_ReusesVectors(t *testing.T) {
	inner := &countingProvider{HashProvider: *NewHashProvider(32)}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Embed(context.Background(), "same"); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if _, err := c.Embed(context.Background(), "same"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 backend call, got %d", inner.calls)
	}
}

type featureClient struct{ reply string }

func (f featureClient) Synchronous(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: f.reply}, nil
}

func TestGenerativeProvider_TilesFeatures(t *testing.T) {
	p := NewGenerativeProvider(featureClient{reply: `Here you go: {"features": [0.2, -0.4, 0.9, 0.1, 0.0, 0.5]}`}, "", 96)
	vec, err := p.Embed(context.Background(), "card declined")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 96 || math.Abs(norm(vec)-1) > epsilon {
		t.Errorf("bad vector: len=%d norm=%f", len(vec), norm(vec))
	}
}

func TestGenerativeProvider_MalformedReply(t *testing.T) {
	p := NewGenerativeProvider(featureClient{reply: "no idea"}, "", 96)
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for malformed reply")
	}
}

func TestSelect_Order(t *testing.T) {
	logger := zerolog.Nop()

	if p := Select(Options{Dimension: 64, CacheSize: -1}, nil, logger); p.Name() != ProviderHash {
		t.Errorf("expected hash with nothing configured, got %s", p.Name())
	}
	if p := Select(Options{Dimension: 64, CacheSize: -1}, featureClient{}, logger); p.Name() != ProviderGenerative {
		t.Errorf("expected generative with only a client, got %s", p.Name())
	}
	if p := Select(Options{Dimension: 64, CacheSize: -1, OllamaHost: "localhost:11434"}, featureClient{}, logger); p.Name() != ProviderOllama {
		t.Errorf("expected ollama when host is configured, got %s", p.Name())
	}
	if p := Select(Options{Dimension: 64, CacheSize: -1, OpenAIAPIKey: "sk-test", OllamaHost: "localhost:11434"}, featureClient{}, logger); p.Name() != ProviderOpenAI {
		t.Errorf("expected openai first, got %s", p.Name())
	}
	if p := Select(Options{Provider: ProviderHash, Dimension: 64, CacheSize: -1, OpenAIAPIKey: "sk-test"}, featureClient{}, logger); p.Name() != ProviderHash {
		t.Errorf("expected forced hash, got %s", p.Name())
	}
	if p := Select(Options{Dimension: 64}, nil, logger); p.Dimension() != 64 {
		t.Errorf("expected dimension 64, got %d", p.Dimension())
	}
}
