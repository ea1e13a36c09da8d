package detector

import (
	"github.com/opensource-finance/merlin/internal/domain"
)

// ruleAdvice maps a triggered rule to the action an operator should take.
var ruleAdvice = map[string]string{
	domain.RuleVelocity:   "Review the user's recent transaction burst",
	domain.RuleAmount:     "Verify the transaction amount with the cardholder",
	domain.RuleLocation:   "Confirm the cardholder's current location",
	domain.RuleDevice:     "Require re-authentication on this device",
	domain.RuleTime:       "Confirm activity at this unusual hour",
	domain.RuleMerchant:   "Review the merchant's risk profile",
	domain.RuleBehavioral: "Compare against the user's established patterns",
	domain.RuleNetwork:    "Investigate the originating network address",
	domain.RuleML:         "Escalate for extended heuristic review",
}

// recommend derives operator guidance from the verdict.
func recommend(result *domain.FraudResult) []string {
	var recommendations []string

	switch result.RiskLevel() {
	case domain.RiskHigh:
		recommendations = append(recommendations, "Block transaction and require manual review")
	case domain.RiskMedium:
		recommendations = append(recommendations, "Request additional verification before settling")
	default:
		if len(result.TriggeredRules) == 0 {
			return nil
		}
		recommendations = append(recommendations, "Approve with standard monitoring")
	}

	for _, rule := range result.TriggeredRules {
		if advice, ok := ruleAdvice[rule]; ok {
			recommendations = append(recommendations, advice)
		}
	}

	return recommendations
}
