package reasoning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const optionsSystemPrompt = `You are a subscription retention strategist deciding how an autonomous agent should respond to a subscriber lifecycle event.
Propose between %d and %d distinct candidate actions.
Reply with JSON only:
{"options": [{"action": "email|sms|discount|pause|refund|call|none", "strategy": "short_snake_case_name", "details": {}, "reasoning": "one sentence"}]}
For discounts include "discount_percent" in details. Respect the rate limits and the brand voice.`

const evaluationSystemPrompt = `You score candidate retention actions for likely success.
Use the historical success rates and known subscriber preferences when they are given.
Reply with JSON only:
{"evaluations": [{"index": 0, "score": 0.0, "reasons": ["..."]}]}
Score every option exactly once with a number between 0 and 1.`

func optionsPrompt(in Input, description string, mem memorySummary, eps episodeSummary) string {
	var b strings.Builder
	b.WriteString("## Situation\n")
	b.WriteString(description)
	b.WriteString("\n\n## What we remember\n")
	b.WriteString(mem.text())
	b.WriteString("\n\n## Similar past episodes\n")
	b.WriteString(eps.text())
	if in.StrategyTemplate != "" {
		b.WriteString("\n\n## Strategy template\n")
		b.WriteString(in.StrategyTemplate)
	}
	if len(in.RateLimits) > 0 {
		b.WriteString("\n\n## Rate limits\n")
		b.WriteString(renderMap(in.RateLimits))
	}
	if in.BrandVoice != "" {
		b.WriteString("\n\n## Brand voice\n")
		b.WriteString(in.BrandVoice)
	}
	return b.String()
}

func evaluationPrompt(description string, options []Option, mem memorySummary, eps episodeSummary) string {
	var b strings.Builder
	b.WriteString("## Situation\n")
	b.WriteString(description)
	b.WriteString("\n\n## Options\n")
	for i, o := range options {
		details, _ := json.Marshal(o.Details)
		fmt.Fprintf(&b, "%d. action=%s strategy=%s details=%s", i, o.Action, o.Strategy, details)
		if o.Reasoning != "" {
			fmt.Fprintf(&b, " (%s)", o.Reasoning)
		}
		b.WriteString("\n")
	}
	if len(eps.Strategies) > 0 {
		b.WriteString("\n## Historical success rate by strategy\n")
		for _, name := range eps.strategyNames() {
			st := eps.Strategies[name]
			fmt.Fprintf(&b, "- %s: %.0f%% of %d\n", name, st.rate()*100, st.Total)
		}
	}
	if len(mem.Preferences) > 0 {
		b.WriteString("\n## Known preferences\n")
		for _, p := range mem.Preferences {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}

func renderMap(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, m[k]))
	}
	return strings.Join(lines, "\n")
}
