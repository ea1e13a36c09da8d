package domain

// Rule configures one detection rule: how much its analyzer's score
// contributes to the aggregate and when it counts as triggered.
type Rule struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`    // relative influence, 0..1
	Threshold float64 `json:"threshold"` // per-rule trigger point, 0..1
	Enabled   bool    `json:"enabled"`

	// Expression is a CEL expression for custom rules. Builtin rules
	// leave it empty and dispatch to their registered analyzer.
	Expression string `json:"expression,omitempty"`

	// Config carries algorithm-specific overrides for builtin rules.
	Config map[string]any `json:"config,omitempty"`
}

// IsCustom reports whether the rule is CEL-expression backed rather than
// dispatched to a builtin analyzer.
func (r Rule) IsCustom() bool {
	return r.Expression != ""
}

// Builtin rule names. The analyzer registry is closed over this set;
// anything else must be a custom (CEL) rule.
const (
	RuleVelocity   = "velocity"
	RuleAmount     = "amount"
	RuleLocation   = "location"
	RuleDevice     = "device"
	RuleTime       = "time"
	RuleMerchant   = "merchant"
	RuleBehavioral = "behavioral"
	RuleNetwork    = "network"
	RuleML         = "ml"
)

// BuiltinRuleNames lists every builtin rule in a stable order.
func BuiltinRuleNames() []string {
	return []string{
		RuleVelocity, RuleAmount, RuleLocation, RuleDevice, RuleTime,
		RuleMerchant, RuleBehavioral, RuleNetwork, RuleML,
	}
}

// DefaultRules returns the builtin rule set with its stock weights and
// thresholds. All rules start enabled.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleVelocity, Weight: 0.15, Threshold: 0.8, Enabled: true},
		{Name: RuleAmount, Weight: 0.15, Threshold: 0.9, Enabled: true},
		{Name: RuleLocation, Weight: 0.15, Threshold: 0.7, Enabled: true},
		{Name: RuleDevice, Weight: 0.15, Threshold: 0.8, Enabled: true},
		{Name: RuleTime, Weight: 0.10, Threshold: 0.6, Enabled: true},
		{Name: RuleMerchant, Weight: 0.15, Threshold: 0.7, Enabled: true},
		{Name: RuleBehavioral, Weight: 0.10, Threshold: 0.6, Enabled: true},
		{Name: RuleNetwork, Weight: 0.10, Threshold: 0.8, Enabled: true},
		{Name: RuleML, Weight: 0.20, Threshold: 0.5, Enabled: true},
	}
}

// RuleUpdate carries a partial mutation for an existing rule. Nil fields
// leave the current value in place.
type RuleUpdate struct {
	Weight    *float64 `json:"weight,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}
