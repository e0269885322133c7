// Package approval decides whether a reasoned action may run without a human.
package approval

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Level is an agent's configured autonomy.
type Level string

const (
	LevelFullAuto     Level = "full_auto"
	LevelAutoWithCopy Level = "auto_with_copy"
	LevelReviewAll    Level = "review_all"
)

const (
	// MinAutoConfidence is the confidence below which auto_with_copy asks for review.
	MinAutoConfidence = 0.6
	// MaxAutoDiscountPercent is the largest discount full_auto may grant alone.
	MaxAutoDiscountPercent = 30.0
)

// Decision is the part of a reasoned decision the gate inspects.
type Decision struct {
	Action  string
	Details map[string]interface{}
}

// sensitive actions always need review under auto_with_copy.
var sensitive = map[string]bool{"refund": true, "discount": true, "pause": true}

// RequiresApproval applies the gate. Unknown levels require approval.
func RequiresApproval(level Level, d Decision, confidence float64) bool {
	required, _ := evaluate(level, d, confidence)
	return required
}

// Reason explains the gate's outcome for the audit trail.
func Reason(level Level, d Decision, confidence float64) string {
	_, why := evaluate(level, d, confidence)
	return why
}

func evaluate(level Level, d Decision, confidence float64) (bool, string) {
	switch level {
	case LevelReviewAll:
		return true, "every action is reviewed"
	case LevelFullAuto:
		if d.Action == "refund" {
			return true, "refunds always need approval"
		}
		pct, ok := discountPercent(d.Details)
		if !ok {
			return true, fmt.Sprintf("unreadable discount_percent %v", d.Details["discount_percent"])
		}
		if pct > MaxAutoDiscountPercent {
			return true, fmt.Sprintf("discount of %.0f%% exceeds %.0f%%", pct, MaxAutoDiscountPercent)
		}
		return false, "auto-approved"
	case LevelAutoWithCopy:
		if confidence < MinAutoConfidence {
			return true, fmt.Sprintf("confidence %.2f below %.2f", confidence, MinAutoConfidence)
		}
		if sensitive[d.Action] {
			return true, fmt.Sprintf("%s actions need approval", d.Action)
		}
		return false, "auto-approved with copy to operator"
	default:
		return true, fmt.Sprintf("unknown confidence level %q", string(level))
	}
}

// discountPercent reads details["discount_percent"], accepting the numeric
// shapes JSON decoding and callers produce plus numeric strings such as "25"
// or "25%". A missing value is zero; a present value that cannot be read
// reports false.
func discountPercent(details map[string]interface{}) (float64, bool) {
	raw, present := details["discount_percent"]
	if !present || raw == nil {
		return 0, true
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
		return f, err == nil
	}
	return 0, false
}
