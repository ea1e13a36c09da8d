package domain

import (
	"time"
)

// FraudResult is the outcome of scoring one transaction. It is immutable
// once produced.
type FraudResult struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`

	// RiskScore is the weighted combination of rule scores, always in [0,1].
	RiskScore float64 `json:"riskScore"`

	// Fraud is true when RiskScore crossed the global threshold.
	Fraud bool `json:"fraud"`

	// Confidence reflects how many enabled rules agreed, in [0,1].
	Confidence float64 `json:"confidence"`

	// TriggeredRules lists rules whose own score crossed their own threshold.
	TriggeredRules []string `json:"triggeredRules"`

	// RuleScores maps rule name to its sub-score. Rules that failed or
	// timed out are absent.
	RuleScores map[string]float64 `json:"ruleScores"`

	Recommendations []string `json:"recommendations,omitempty"`

	ProcessingMs int64     `json:"processingMs"`
	AnalyzedAt   time.Time `json:"analyzedAt"`
}

// RiskLevel buckets a risk score for human consumption.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskLevel returns the coarse band for the result's score.
func (r *FraudResult) RiskLevel() RiskLevel {
	switch {
	case r.RiskScore >= 0.8:
		return RiskHigh
	case r.RiskScore >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Triggered reports whether the named rule is in the triggered list.
func (r *FraudResult) Triggered(rule string) bool {
	for _, name := range r.TriggeredRules {
		if name == rule {
			return true
		}
	}
	return false
}
