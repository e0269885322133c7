package reasoning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/tidwall/gjson"
)

// OptionsResponse is the expected reply to the option generation prompt:
//
//	{"options": [{"action": "...", "strategy": "...", "details": {...}, "reasoning": "..."}]}
type OptionsResponse struct {
	Options []Option
	// Fallback is set when the options came from FallbackOptionsResponse.
	Fallback bool
}

// ParseOptionsResponse extracts and validates an OptionsResponse from a model reply.
func ParseOptionsResponse(text string) (OptionsResponse, error) {
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		return OptionsResponse{}, errors.New("no JSON object in options response")
	}
	var resp OptionsResponse
	for _, item := range gjson.Get(obj, "options").Array() {
		opt := Option{
			Action:    normalizeToken(item.Get("action").String()),
			Strategy:  normalizeToken(item.Get("strategy").String()),
			Reasoning: strings.TrimSpace(item.Get("reasoning").String()),
			Details:   map[string]interface{}{},
		}
		if details, ok := item.Get("details").Value().(map[string]interface{}); ok {
			opt.Details = details
		}
		resp.Options = append(resp.Options, opt)
	}
	if err := resp.Validate(); err != nil {
		return OptionsResponse{}, err
	}
	return resp, nil
}

// Validate drops incomplete options, keeps at most maxOptions and fails when
// fewer than minOptions are left.
func (r *OptionsResponse) Validate() error {
	valid := r.Options[:0]
	for _, o := range r.Options {
		if o.Action != "" && o.Strategy != "" {
			valid = append(valid, o)
		}
	}
	if len(valid) > maxOptions {
		valid = valid[:maxOptions]
	}
	r.Options = valid
	if len(r.Options) < minOptions {
		return fmt.Errorf("options response contained %d usable options, want at least %d", len(r.Options), minOptions)
	}
	return nil
}

// FallbackOptionsResponse is the single default option.
func FallbackOptionsResponse() OptionsResponse {
	return OptionsResponse{Options: []Option{FallbackOption()}, Fallback: true}
}

// Evaluation is the model's score for one option.
type Evaluation struct {
	Index   int
	Score   float64
	Reasons []string
}

// EvaluationResponse is the expected reply to the evaluation prompt:
//
//	{"evaluations": [{"index": 0, "score": 0.8, "reasons": ["..."]}]}
type EvaluationResponse struct {
	Evaluations []Evaluation
	Fallback    bool
}

// ParseEvaluationResponse extracts and validates scores for n options.
// Entries without an index are matched to options by position.
func ParseEvaluationResponse(text string, n int) (EvaluationResponse, error) {
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		return EvaluationResponse{}, errors.New("no JSON object in evaluation response")
	}
	var resp EvaluationResponse
	for pos, item := range gjson.Get(obj, "evaluations").Array() {
		score := item.Get("score")
		if !score.Exists() {
			continue
		}
		idx := pos
		if i := item.Get("index"); i.Exists() {
			idx = int(i.Int())
		}
		ev := Evaluation{Index: idx, Score: score.Float()}
		for _, r := range item.Get("reasons").Array() {
			if s := strings.TrimSpace(r.String()); s != "" {
				ev.Reasons = append(ev.Reasons, s)
			}
		}
		resp.Evaluations = append(resp.Evaluations, ev)
	}
	if err := resp.Validate(n); err != nil {
		return EvaluationResponse{}, err
	}
	return resp, nil
}

// Validate requires exactly one score in [0,1] for every option index below n.
// Scores slightly out of range are clamped.
func (r *EvaluationResponse) Validate(n int) error {
	seen := make(map[int]bool, n)
	for i := range r.Evaluations {
		ev := &r.Evaluations[i]
		if ev.Index < 0 || ev.Index >= n {
			return fmt.Errorf("evaluation index %d out of range", ev.Index)
		}
		if seen[ev.Index] {
			return fmt.Errorf("duplicate evaluation for option %d", ev.Index)
		}
		seen[ev.Index] = true
		ev.Score = clamp01(ev.Score)
	}
	if len(seen) != n {
		return fmt.Errorf("expected %d evaluations, got %d", n, len(seen))
	}
	return nil
}

// FallbackEvaluationResponse scores options 0.5, 0.4, 0.3, ... in generation order.
func FallbackEvaluationResponse(n int) EvaluationResponse {
	resp := EvaluationResponse{Fallback: true}
	for i := 0; i < n; i++ {
		resp.Evaluations = append(resp.Evaluations, Evaluation{
			Index:   i,
			Score:   clamp01(0.5 - 0.1*float64(i)),
			Reasons: []string{"default score"},
		})
	}
	return resp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}
