package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/tidwall/gjson"
)

// generativeFeatureCount is how many scores the model is asked for.
const generativeFeatureCount = 32

const featureSystemPrompt = `You convert text into a numeric feature vector for similarity search.
Reply with JSON only, in the form {"features": [f1, f2, ...]}.
Return exactly %d numbers between -1 and 1. Each position must always mean the
same thing: sentiment, urgency, billing, cancellation, trial, discount,
engagement, tenure, price sensitivity, support, product usage, and so on.`

// GenerativeProvider asks a generative model to score the text along a small
// fixed set of features and tiles that score vector up to the full dimension.
type GenerativeProvider struct {
	client     llm.Client
	model      string
	dimensions int
}

// NewGenerativeProvider wraps client. model may be empty to use the client default.
func NewGenerativeProvider(client llm.Client, model string, dim int) *GenerativeProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &GenerativeProvider{client: client, model: model, dimensions: dim}
}

func (p *GenerativeProvider) Dimension() int { return p.dimensions }

func (p *GenerativeProvider) Name() string { return "generative" }

func (p *GenerativeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reply, err := llm.Ask(ctx, p.client, llm.Prompt{
		System:      fmt.Sprintf(featureSystemPrompt, generativeFeatureCount),
		User:        strings.TrimSpace(text),
		Temperature: 0,
		MaxTokens:   400,
	})
	if err != nil {
		return nil, fmt.Errorf("feature extraction: %w", err)
	}
	features, err := parseFeatures(reply)
	if err != nil {
		return nil, err
	}
	return Resize(features, p.dimensions), nil
}

func parseFeatures(reply string) ([]float32, error) {
	obj, ok := llm.ExtractJSONObject(reply)
	if !ok {
		return nil, fmt.Errorf("feature extraction: no JSON object in response")
	}
	values := gjson.Get(obj, "features").Array()
	out := make([]float32, 0, len(values))
	for _, v := range values {
		if v.Type != gjson.Number {
			continue
		}
		f := v.Float()
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out = append(out, float32(f))
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("feature extraction: expected numeric features, got %d", len(out))
	}
	return out, nil
}
