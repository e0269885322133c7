package agent

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/retention/config"
)

// Limit violations, used as the rejection reason in logs.
const (
	limitOutsideHours   = "outside_send_hours"
	limitWeekend        = "weekdays_only"
	limitActionsPerDay  = "max_actions_per_day"
	limitEmailsPerWeek  = "max_emails_per_subscriber_per_week"
	emailActionType     = "email"
	subscriberEmailSpan = 7 * 24 * time.Hour
)

// withinSendWindow reports whether hour h falls in [start, end). Equal
// bounds allow every hour; start > end wraps past midnight.
func withinSendWindow(h, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}

func limitLocation(l config.LimitsConfig) *time.Location {
	if l.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// checkLimits returns the name of the first violated limit, or "" when the
// event may proceed. Counts are read without reservation, so concurrent
// events can overshoot a cap by the number in flight.
func (c *Core) checkLimits(ctx context.Context, l config.LimitsConfig, subscriberID string, now time.Time) (string, error) {
	local := now.In(limitLocation(l))

	if !withinSendWindow(local.Hour(), l.SendHourStart, l.SendHourEnd) {
		return limitOutsideHours, nil
	}
	if l.WeekdaysOnly && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return limitWeekend, nil
	}
	if l.MaxActionsPerDay > 0 {
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
		n, err := c.actions.CountSince(ctx, c.userID, c.agentType, dayStart)
		if err != nil {
			return "", err
		}
		if n >= l.MaxActionsPerDay {
			return limitActionsPerDay, nil
		}
	}
	if l.MaxEmailsPerSubscriberPerWeek > 0 {
		n, err := c.actions.CountForSubscriberSince(ctx, c.userID, subscriberID, emailActionType, now.Add(-subscriberEmailSpan))
		if err != nil {
			return "", err
		}
		if n >= l.MaxEmailsPerSubscriberPerWeek {
			return limitEmailsPerWeek, nil
		}
	}
	return "", nil
}
