package handover

// ScoreConversation derives the qualification, intent, and engagement scores
// from the conversation's observable signal, on a 0-100 scale each.
//
// Qualification follows automotive keyword coverage: how many of the
// campaign's configured automotive keywords appear anywhere in the lead's
// messages. Intent follows the breadth of detected intents, engagement the
// volume of inbound messages. Deterministic for a given input.
func ScoreConversation(bodies, detectedIntents []string, criteria Criteria) Scores {
	return Scores{
		Qualification: qualificationScore(bodies, criteria.AutomotiveKeywords),
		Intent:        cappedScore(len(dedupeLower(detectedIntents)), 25),
		Engagement:    cappedScore(len(bodies), 10),
	}
}

func qualificationScore(bodies, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	matched := 0
	for _, keyword := range keywords {
		if matchKeyword(bodies, []string{keyword}) != "" {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords)) * 100
}

func cappedScore(count, perUnit int) float64 {
	score := float64(count * perUnit)
	if score > 100 {
		return 100
	}
	return score
}

func dedupeLower(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		normalized := normalizeIntent(v)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
