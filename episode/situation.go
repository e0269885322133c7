package episode

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Subscriber is the point-in-time snapshot of a subscriber used for reasoning.
type Subscriber struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name,omitempty"`
	Plan  *string `json:"plan,omitempty"`
	// MRR is monthly recurring revenue in cents.
	MRR                  int64                  `json:"mrr"`
	TenureMonths         int                    `json:"tenure_months"`
	HealthScore          *float64               `json:"health_score,omitempty"`
	PreviousInteractions int                    `json:"previous_interactions"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// Situation is a subscriber snapshot plus the event that triggered reasoning.
// It is only persisted inside an Episode.
type Situation struct {
	Subscriber Subscriber             `json:"subscriber"`
	Trigger    string                 `json:"trigger"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Describe renders the situation as the text used for display and embedding.
func (s Situation) Describe() string {
	var b strings.Builder
	sub := s.Subscriber

	name := sub.Email
	if sub.Name != nil && *sub.Name != "" {
		name = *sub.Name
	}
	fmt.Fprintf(&b, "Subscriber %s", name)
	if sub.Plan != nil && *sub.Plan != "" {
		fmt.Fprintf(&b, " on the %s plan", *sub.Plan)
	}
	fmt.Fprintf(&b, " paying $%.2f per month, subscribed for %d months.\n", float64(sub.MRR)/100, sub.TenureMonths)
	if sub.HealthScore != nil {
		fmt.Fprintf(&b, "Health score: %.0f.\n", *sub.HealthScore)
	}
	fmt.Fprintf(&b, "Previous interactions: %d.\n", sub.PreviousInteractions)
	fmt.Fprintf(&b, "Trigger: %s.", strings.ReplaceAll(s.Trigger, "_", " "))

	if len(s.Context) > 0 {
		keys := make([]string, 0, len(s.Context))
		for k := range s.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", strings.ReplaceAll(k, "_", " "), s.Context[k])
		}
	}
	return b.String()
}
