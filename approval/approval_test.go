package approval

import (
	"strings"
	"testing"
)

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		name       string
		level      Level
		action     string
		details    map[string]interface{}
		confidence float64
		want       bool
	}{
		{"review all high confidence", LevelReviewAll, "email", nil, 0.99, true},
		{"review all none", LevelReviewAll, "none", nil, 1, true},

		{"full auto email", LevelFullAuto, "email", nil, 0.1, false},
		{"full auto refund", LevelFullAuto, "refund", nil, 0.99, true},
		{"full auto discount at cap", LevelFullAuto, "discount", map[string]interface{}{"discount_percent": 30.0}, 0.9, false},
		{"full auto discount over cap", LevelFullAuto, "discount", map[string]interface{}{"discount_percent": 31}, 0.9, true},
		{"full auto discount over cap on email", LevelFullAuto, "email", map[string]interface{}{"discount_percent": 50.0}, 0.9, true},
		{"full auto discount string over cap", LevelFullAuto, "discount", map[string]interface{}{"discount_percent": "35"}, 0.9, true},
		{"full auto discount percent string", LevelFullAuto, "discount", map[string]interface{}{"discount_percent": "25%"}, 0.9, false},
		{"full auto discount unreadable", LevelFullAuto, "discount", map[string]interface{}{"discount_percent": "lots"}, 0.9, true},
		{"full auto pause", LevelFullAuto, "pause", nil, 0.2, false},

		{"copy confident email", LevelAutoWithCopy, "email", nil, 0.6, false},
		{"copy low confidence", LevelAutoWithCopy, "email", nil, 0.59, true},
		{"copy refund", LevelAutoWithCopy, "refund", nil, 0.95, true},
		{"copy discount", LevelAutoWithCopy, "discount", map[string]interface{}{"discount_percent": 5.0}, 0.95, true},
		{"copy pause", LevelAutoWithCopy, "pause", nil, 0.95, true},
		{"copy sms", LevelAutoWithCopy, "sms", nil, 0.95, false},

		{"unknown level", Level("yolo"), "email", nil, 1, true},
		{"empty level", Level(""), "email", nil, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decision{Action: tt.action, Details: tt.details}
			if got := RequiresApproval(tt.level, d, tt.confidence); got != tt.want {
				t.Errorf("RequiresApproval = %v, want %v", got, tt.want)
			}
			if Reason(tt.level, d, tt.confidence) == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestReason_NamesUnknownLevel(t *testing.T) {
	if got := Reason("yolo", Decision{Action: "email"}, 1); !strings.Contains(got, "yolo") {
		t.Errorf("unexpected reason %q", got)
	}
}
