// Package reference provides the read-only country and currency lookup
// tables consumed by the rule analyzers. The tables are populated from an
// external, versioned data set; the engine only reads them.
package reference

// Table maps country codes to risk scores and currency codes to USD
// multipliers. A Table is immutable after construction and safe for
// concurrent readers.
type Table struct {
	countryRisk map[string]float64
	suspicious  map[string]struct{}
	multipliers map[string]float64
}

// Unknown-key defaults.
const (
	DefaultCountryRisk        = 0.5
	DefaultCurrencyMultiplier = 1.0
)

// Risk bands used by the analyzers.
const (
	HighRiskScore     = 0.7
	VeryHighRiskScore = 0.9
)

// New builds a table from explicit data sets. Nil maps are allowed.
func New(countryRisk map[string]float64, suspicious []string, multipliers map[string]float64) *Table {
	t := &Table{
		countryRisk: make(map[string]float64, len(countryRisk)),
		suspicious:  make(map[string]struct{}, len(suspicious)),
		multipliers: make(map[string]float64, len(multipliers)),
	}
	for code, risk := range countryRisk {
		t.countryRisk[code] = risk
	}
	for _, code := range suspicious {
		t.suspicious[code] = struct{}{}
	}
	for code, m := range multipliers {
		t.multipliers[code] = m
	}
	return t
}

// Default returns the compiled-in reference data set.
func Default() *Table {
	return New(defaultCountryRisk, defaultSuspiciousCountries, defaultCurrencyMultipliers)
}

// RiskOf returns the risk score for a country code in [0,1].
// Unknown codes return DefaultCountryRisk.
func (t *Table) RiskOf(countryCode string) float64 {
	if risk, ok := t.countryRisk[countryCode]; ok {
		return risk
	}
	return DefaultCountryRisk
}

// IsSuspicious reports whether the country is on the suspicious list.
func (t *Table) IsSuspicious(countryCode string) bool {
	_, ok := t.suspicious[countryCode]
	return ok
}

// IsHighRisk reports whether the country's risk score is at or above the
// high-risk band.
func (t *Table) IsHighRisk(countryCode string) bool {
	return t.RiskOf(countryCode) >= HighRiskScore
}

// IsVeryHighRisk reports whether the country's risk score is at or above
// the very-high-risk band.
func (t *Table) IsVeryHighRisk(countryCode string) bool {
	return t.RiskOf(countryCode) >= VeryHighRiskScore
}

// CurrencyMultiplier returns the USD conversion multiplier for a currency
// code. Unknown codes return DefaultCurrencyMultiplier.
func (t *Table) CurrencyMultiplier(code string) float64 {
	if m, ok := t.multipliers[code]; ok && m > 0 {
		return m
	}
	return DefaultCurrencyMultiplier
}

var defaultCountryRisk = map[string]float64{
	"US": 0.1, "CA": 0.1, "GB": 0.15, "DE": 0.15, "FR": 0.15,
	"AU": 0.15, "JP": 0.1, "NL": 0.15, "SE": 0.1, "CH": 0.1,
	"SG": 0.2, "IE": 0.2, "NZ": 0.15, "NO": 0.1, "DK": 0.1,
	"BR": 0.4, "MX": 0.4, "IN": 0.35, "CN": 0.4, "ZA": 0.45,
	"TR": 0.5, "TH": 0.45, "PH": 0.5, "ID": 0.5, "VN": 0.5,
	"NG": 0.8, "PK": 0.7, "BD": 0.7, "UA": 0.7, "BY": 0.75,
	"RU": 0.75, "VE": 0.8, "MM": 0.85, "AF": 0.9, "SY": 0.95,
	"KP": 0.95, "IR": 0.9, "SO": 0.9, "YE": 0.85, "SD": 0.85,
}

var defaultSuspiciousCountries = []string{
	"KP", "IR", "SY", "AF", "SO", "MM",
}

var defaultCurrencyMultipliers = map[string]float64{
	"USD": 1.0,
	"EUR": 1.1,
	"GBP": 1.3,
	"JPY": 0.007,
	"CAD": 0.75,
	"AUD": 0.65,
	"CHF": 1.1,
	"CNY": 0.14,
	"INR": 0.012,
	"BRL": 0.2,
}
