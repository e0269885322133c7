package embedding

import (
	"context"
	"fmt"

	"github.com/aschepis/backscratcher/retention/llm/ollama"
	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when no embedding model is configured.
const DefaultOllamaModel = "mxbai-embed-large"

// OllamaProvider embeds text with a locally served Ollama model.
// The model's native width is resized to the configured dimension.
type OllamaProvider struct {
	client     *api.Client
	model      string
	dimensions int
}

// NewOllamaProvider connects to host, or to OLLAMA_HOST when host is empty.
func NewOllamaProvider(host, model string, dim int) (*OllamaProvider, error) {
	cli, err := ollama.NewAPIClient(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &OllamaProvider{client: cli, model: model, dimensions: dim}, nil
}

func (p *OllamaProvider) Dimension() int { return p.dimensions }

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return Resize(resp.Embeddings[0], p.dimensions), nil
}
