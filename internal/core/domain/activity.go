package domain

import (
	"strings"

	"github.com/samber/lo"
)

// PaymentCompletedActivity is the canonical "payment completed" token.
const PaymentCompletedActivity = "payment_done"

// ActivityRules decides which backend activity types are actionable. The
// backend's activity vocabulary can drift, so the lists are configuration.
type ActivityRules struct {
	PaymentCompleted     string   `yaml:"payment_completed"`
	ShootActions         []string `yaml:"shoot_actions"`
	ShootAssignedActions []string `yaml:"shoot_assigned_actions"`
	RequestActions       []string `yaml:"request_actions"`
}

// DefaultActivityRules returns the shoot lifecycle allow-list used when no
// rules file is configured.
func DefaultActivityRules() ActivityRules {
	return ActivityRules{
		PaymentCompleted: PaymentCompletedActivity,
		ShootActions: []string{
			"shoot_created",
			"shoot_scheduled",
			"shoot_approved",
			"shoot_started",
			"shoot_completed",
			"shoot_cancelled",
			"shoot_on_hold",
			"shoot_resumed",
			"editing_started",
			"submitted_for_review",
			"media_uploaded",
			"raw_downloaded",
			"share_link_generated",
			"shoot_delivered",
		},
	}
}

// Normalized lower-cases, trims and de-duplicates every token.
func (r ActivityRules) Normalized() ActivityRules {
	return ActivityRules{
		PaymentCompleted:     normalizeToken(r.PaymentCompleted),
		ShootActions:         normalizeTokens(r.ShootActions),
		ShootAssignedActions: normalizeTokens(r.ShootAssignedActions),
		RequestActions:       normalizeTokens(r.RequestActions),
	}
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeTokens(tokens []string) []string {
	cleaned := lo.Map(tokens, func(t string, _ int) string {
		return normalizeToken(t)
	})
	return lo.Uniq(lo.Compact(cleaned))
}
