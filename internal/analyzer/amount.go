package analyzer

import (
	"context"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// AmountConfig tunes the transaction amount rule. Thresholds are expressed
// in the base currency; amounts in other currencies are normalized with
// the reference table's multipliers before comparison.
type AmountConfig struct {
	// SuspiciousThreshold is the normalized amount at which the score
	// reaches 0.5.
	SuspiciousThreshold float64
	// HighRiskThreshold is the normalized amount at which the score
	// reaches 1.0.
	HighRiskThreshold float64
}

// DefaultAmountConfig returns the stock amount tuning.
func DefaultAmountConfig() AmountConfig {
	return AmountConfig{
		SuspiciousThreshold: 1000,
		HighRiskThreshold:   5000,
	}
}

// Amount scores transactions by normalized size, with an additive lift for
// transactions originating in risky countries. The rule is stateless.
type Amount struct {
	cfg AmountConfig
	ref *reference.Table
}

// NewAmount builds an amount analyzer against the given reference table.
func NewAmount(cfg AmountConfig, ref *reference.Table) *Amount {
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 1000
	}
	if cfg.HighRiskThreshold <= cfg.SuspiciousThreshold {
		cfg.HighRiskThreshold = cfg.SuspiciousThreshold * 5
	}
	if ref == nil {
		ref = reference.Default()
	}
	return &Amount{cfg: cfg, ref: ref}
}

func (a *Amount) Name() string { return domain.RuleAmount }

func (a *Amount) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	normalized := tx.AmountValue() * a.ref.CurrencyMultiplier(tx.Currency)
	if normalized < 0 {
		normalized = -normalized
	}

	score := a.amountScore(normalized)

	if country := tx.Country(); country != "" {
		switch {
		case a.ref.IsVeryHighRisk(country):
			score += 0.3
		case a.ref.IsHighRisk(country):
			score += 0.2
		}
	}

	return clamp01(score), nil
}

// amountScore maps a normalized amount onto [0,1]: linear up to 0.5 at the
// suspicious threshold, then linear up to 1.0 at the high-risk threshold.
func (a *Amount) amountScore(normalized float64) float64 {
	switch {
	case normalized >= a.cfg.HighRiskThreshold:
		return 1.0
	case normalized >= a.cfg.SuspiciousThreshold:
		span := a.cfg.HighRiskThreshold - a.cfg.SuspiciousThreshold
		return 0.5 + (normalized-a.cfg.SuspiciousThreshold)/span*0.5
	default:
		return normalized / a.cfg.SuspiciousThreshold * 0.5
	}
}
