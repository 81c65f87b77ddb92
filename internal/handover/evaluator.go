package handover

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scores are externally computed conversation scores, each compared against
// its configured threshold.
type Scores struct {
	Qualification float64
	Intent        float64
	Engagement    float64
}

// Input is everything the evaluator reads. The caller assembles it from the
// conversation, its message history, and the classifier output; the evaluator
// itself never touches storage.
type Input struct {
	MessageBodies   []string
	DetectedIntents []string
	MessageCount    int
	StartedAt       time.Time
	Scores          Scores
}

// Decision is the evaluation output. Reason reports only the first trigger
// that fired; evaluation order is fixed.
type Decision struct {
	Triggered      bool
	MatchedIntents []string
	Reason         string
}

// Evaluate checks the independent escalation triggers in fixed order and
// returns on the first that fires. Triggers are OR'd, never weighted: a
// single strong signal escalates regardless of otherwise calm history.
// Deterministic for a given (input, criteria, now) tuple.
func Evaluate(input Input, criteria Criteria, now time.Time) Decision {
	if keyword := matchKeyword(input.MessageBodies, criteria.UrgentKeywords); keyword != "" {
		return Decision{
			Triggered: true,
			Reason:    fmt.Sprintf("urgent keyword matched: %s", keyword),
		}
	}

	if matched := intersectIntents(input.DetectedIntents, criteria.RequiredIntents); len(matched) > 0 {
		return Decision{
			Triggered:      true,
			MatchedIntents: matched,
			Reason:         fmt.Sprintf("required intents detected: %s", strings.Join(matched, ", ")),
		}
	}

	if criteria.MessageCount > 0 && input.MessageCount >= criteria.MessageCount {
		return Decision{
			Triggered: true,
			Reason:    fmt.Sprintf("message count %d reached threshold %d", input.MessageCount, criteria.MessageCount),
		}
	}

	if criteria.TimeSpentMinutes > 0 && !input.StartedAt.IsZero() {
		elapsed := now.Sub(input.StartedAt)
		if elapsed >= time.Duration(criteria.TimeSpentMinutes)*time.Minute {
			return Decision{
				Triggered: true,
				Reason:    fmt.Sprintf("conversation time %.0f minutes reached threshold %d", elapsed.Minutes(), criteria.TimeSpentMinutes),
			}
		}
	}

	if criteria.QualificationScore > 0 && input.Scores.Qualification >= criteria.QualificationScore {
		return Decision{
			Triggered: true,
			Reason:    fmt.Sprintf("qualification score %.1f reached threshold %.1f", input.Scores.Qualification, criteria.QualificationScore),
		}
	}
	if criteria.IntentScore > 0 && input.Scores.Intent >= criteria.IntentScore {
		return Decision{
			Triggered: true,
			Reason:    fmt.Sprintf("intent score %.1f reached threshold %.1f", input.Scores.Intent, criteria.IntentScore),
		}
	}
	if criteria.EngagementScore > 0 && input.Scores.Engagement >= criteria.EngagementScore {
		return Decision{
			Triggered: true,
			Reason:    fmt.Sprintf("engagement score %.1f reached threshold %.1f", input.Scores.Engagement, criteria.EngagementScore),
		}
	}

	return Decision{}
}

// matchKeyword returns the first configured keyword found on a word boundary
// in any message body, so "asap" matches "need this ASAP" but "as" never
// matches "gas". Keywords are checked in configuration order. Patterns are
// compiled per call: keyword sets are small and per-campaign, and the
// evaluator stays free of shared mutable state.
func matchKeyword(bodies, keywords []string) string {
	for _, keyword := range keywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(keyword)) + `\b`)
		for _, body := range bodies {
			if re.MatchString(body) {
				return keyword
			}
		}
	}
	return ""
}

// intersectIntents returns detected intents that appear in the required set,
// sorted for a stable reason string. Comparison is case-insensitive.
func intersectIntents(detected, required []string) []string {
	if len(detected) == 0 || len(required) == 0 {
		return nil
	}
	requiredSet := make(map[string]struct{}, len(required))
	for _, intent := range required {
		requiredSet[normalizeIntent(intent)] = struct{}{}
	}

	seen := make(map[string]struct{})
	matched := make([]string, 0)
	for _, intent := range detected {
		normalized := normalizeIntent(intent)
		if _, ok := requiredSet[normalized]; !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		matched = append(matched, normalized)
	}
	sort.Strings(matched)
	return matched
}

func normalizeIntent(intent string) string {
	return strings.ToLower(strings.TrimSpace(intent))
}
