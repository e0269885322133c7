package learning

import (
	"github.com/aschepis/backscratcher/retention/memory"
)

// Pattern is the decoded content of a pattern memory: how often an action
// key has worked for a trigger.
type Pattern struct {
	MemoryID     string                 `json:"-"`
	Trigger      string                 `json:"trigger"`
	BestAction   string                 `json:"best_action"`
	SuccessRate  float64                `json:"success_rate"`
	SampleSize   int                    `json:"sample_size"`
	ApplicableTo map[string]interface{} `json:"applicable_to,omitempty"`
	Importance   float64                `json:"importance"`
}

// UpdatePattern folds one more observation into p:
//
//	successRate' = (successRate*sampleSize + isSuccess) / (sampleSize+1)
func UpdatePattern(p Pattern, success bool) Pattern {
	hit := 0.0
	if success {
		hit = 1
	}
	n := float64(p.SampleSize)
	p.SuccessRate = (p.SuccessRate*n + hit) / (n + 1)
	p.SampleSize++
	return p
}

// NewPattern is the pattern recorded after the first success of an action key.
func NewPattern(trigger, actionKey string, applicableTo map[string]interface{}) Pattern {
	return Pattern{Trigger: trigger, BestAction: actionKey, SuccessRate: 1, SampleSize: 1, ApplicableTo: applicableTo}
}

// Content is the memory content stored for p.
func (p Pattern) Content() map[string]interface{} {
	c := map[string]interface{}{
		"trigger":      p.Trigger,
		"best_action":  p.BestAction,
		"success_rate": p.SuccessRate,
		"sample_size":  p.SampleSize,
	}
	if len(p.ApplicableTo) > 0 {
		c["applicable_to"] = p.ApplicableTo
	}
	return c
}

// PatternFromMemory decodes a pattern memory. ok is false for other memory
// types or malformed content.
func PatternFromMemory(m *memory.Memory) (Pattern, bool) {
	if m == nil || m.Type != memory.MemoryTypePattern {
		return Pattern{}, false
	}
	trigger, _ := m.Content["trigger"].(string)
	action, _ := m.Content["best_action"].(string)
	rate, rateOK := m.Content["success_rate"].(float64)
	size, sizeOK := m.Content["sample_size"].(float64)
	if trigger == "" || action == "" || !rateOK || !sizeOK || size < 1 {
		return Pattern{}, false
	}
	p := Pattern{
		MemoryID:    m.ID,
		Trigger:     trigger,
		BestAction:  action,
		SuccessRate: rate,
		SampleSize:  int(size),
		Importance:  m.Importance,
	}
	if at, ok := m.Content["applicable_to"].(map[string]interface{}); ok {
		p.ApplicableTo = at
	}
	return p, true
}
