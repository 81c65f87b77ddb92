// Package handover decides when a conversation must leave AI authorship and
// be escalated to a human operator.
package handover

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Criteria is per-campaign escalation configuration. The evaluator only reads
// it; ownership lives with the campaign. Zero-valued thresholds disable their
// trigger.
type Criteria struct {
	QualificationScore float64 `json:"qualificationScore" yaml:"qualificationScore"`
	IntentScore        float64 `json:"intentScore" yaml:"intentScore"`
	EngagementScore    float64 `json:"engagementScore" yaml:"engagementScore"`
	MessageCount       int     `json:"messageCount" yaml:"messageCount"`
	TimeSpentMinutes   int     `json:"timeSpentMinutes" yaml:"timeSpentMinutes"`

	AutomotiveKeywords []string `json:"automotiveKeywords" yaml:"automotiveKeywords"`
	UrgentKeywords     []string `json:"urgentKeywords" yaml:"urgentKeywords"`
	RequiredIntents    []string `json:"goalCompletionRequired" yaml:"goalCompletionRequired"`

	// Recipients is the ordered list of humans notified on trigger.
	Recipients []string `json:"recipients" yaml:"recipients"`
}

// Merge fills zero-valued fields from defaults, so campaigns only override
// what they care about.
func (c Criteria) Merge(defaults Criteria) Criteria {
	if c.QualificationScore == 0 {
		c.QualificationScore = defaults.QualificationScore
	}
	if c.IntentScore == 0 {
		c.IntentScore = defaults.IntentScore
	}
	if c.EngagementScore == 0 {
		c.EngagementScore = defaults.EngagementScore
	}
	if c.MessageCount == 0 {
		c.MessageCount = defaults.MessageCount
	}
	if c.TimeSpentMinutes == 0 {
		c.TimeSpentMinutes = defaults.TimeSpentMinutes
	}
	if len(c.AutomotiveKeywords) == 0 {
		c.AutomotiveKeywords = defaults.AutomotiveKeywords
	}
	if len(c.UrgentKeywords) == 0 {
		c.UrgentKeywords = defaults.UrgentKeywords
	}
	if len(c.RequiredIntents) == 0 {
		c.RequiredIntents = defaults.RequiredIntents
	}
	if len(c.Recipients) == 0 {
		c.Recipients = defaults.Recipients
	}
	return c
}

// LoadDefaults reads default criteria from a YAML file. An empty path yields
// zero defaults, which disables every trigger not set by the campaign.
func LoadDefaults(path string) (Criteria, error) {
	if path == "" {
		return Criteria{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Criteria{}, fmt.Errorf("failed to read handover criteria file: %w", err)
	}
	var c Criteria
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Criteria{}, fmt.Errorf("failed to parse handover criteria file: %w", err)
	}
	return c, nil
}
