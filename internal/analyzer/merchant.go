package analyzer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// MerchantConfig tunes the merchant reputation rule.
type MerchantConfig struct {
	// HighRiskCategories score the fixed high-risk term regardless of the
	// category table.
	HighRiskCategories []string
	// CategoryRisk maps merchant categories to a base risk contribution.
	CategoryRisk map[string]float64
	// SuspiciousMerchants and TrustedMerchants seed the merchant lists;
	// both can also be changed at runtime.
	SuspiciousMerchants []string
	TrustedMerchants    []string
	// VelocityWindow and MaxTxPerWindow bound the per-merchant burst
	// check.
	VelocityWindow time.Duration
	MaxTxPerWindow int
	// MinReputationCount is the transaction count below which a merchant
	// is still considered unestablished.
	MinReputationCount int
}

// DefaultMerchantConfig returns the stock merchant tuning, with the
// category risk table used when no override is supplied.
func DefaultMerchantConfig() MerchantConfig {
	return MerchantConfig{
		HighRiskCategories: []string{"gambling", "adult", "crypto", "weapons"},
		CategoryRisk: map[string]float64{
			"gambling":    0.6,
			"adult":       0.6,
			"crypto":      0.5,
			"weapons":     0.6,
			"pharmacy":    0.4,
			"jewelry":     0.3,
			"electronics": 0.2,
			"travel":      0.2,
			"cash":        0.4,
			"grocery":     0.05,
			"restaurant":  0.05,
			"utilities":   0.05,
		},
		VelocityWindow:     time.Hour,
		MaxTxPerWindow:     50,
		MinReputationCount: 5,
	}
}

type merchantProfile struct {
	category   string
	count      int
	total      float64
	firstSeen  time.Time
	lastSeen   time.Time
	trusted    bool
	suspicious bool
	users      map[string]struct{}
	recent     []time.Time
}

// Merchant scores transactions by merchant reputation: suspicious or
// trusted list membership, category risk, per-merchant bursts, and
// whether the merchant or category is new to the user. Transactions
// without a merchant ID score zero.
type Merchant struct {
	cfg      MerchantConfig
	highRisk map[string]struct{}
	locks    keyedLock
	profiles sync.Map // merchantID -> *merchantProfile

	mu          sync.Mutex
	userHistory map[string]map[string]struct{} // userID -> merchant IDs
	userCats    map[string]map[string]struct{} // userID -> categories
}

// NewMerchant builds a merchant analyzer with the given tuning.
func NewMerchant(cfg MerchantConfig) *Merchant {
	def := DefaultMerchantConfig()
	if len(cfg.HighRiskCategories) == 0 {
		cfg.HighRiskCategories = def.HighRiskCategories
	}
	if len(cfg.CategoryRisk) == 0 {
		cfg.CategoryRisk = def.CategoryRisk
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.MaxTxPerWindow <= 0 {
		cfg.MaxTxPerWindow = def.MaxTxPerWindow
	}
	if cfg.MinReputationCount <= 0 {
		cfg.MinReputationCount = def.MinReputationCount
	}

	m := &Merchant{
		cfg:         cfg,
		highRisk:    make(map[string]struct{}, len(cfg.HighRiskCategories)),
		userHistory: make(map[string]map[string]struct{}),
		userCats:    make(map[string]map[string]struct{}),
	}
	for _, c := range cfg.HighRiskCategories {
		m.highRisk[strings.ToLower(c)] = struct{}{}
	}
	for _, id := range cfg.SuspiciousMerchants {
		p, _ := m.profile(id)
		p.suspicious = true
	}
	for _, id := range cfg.TrustedMerchants {
		p, _ := m.profile(id)
		p.trusted = true
	}
	return m
}

func (m *Merchant) Name() string { return domain.RuleMerchant }

func (m *Merchant) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx.MerchantID == "" {
		return 0, nil
	}

	unlock := m.locks.lock(tx.MerchantID)
	defer unlock()

	p, _ := m.profile(tx.MerchantID)
	score := 0.0

	switch {
	case p.suspicious:
		score += 0.8
	case p.trusted:
		score -= 0.3
	}

	score += m.CategoryRisk(tx.Category)

	burst := m.burstCount(p, tx.Timestamp) + 1
	switch {
	case burst > m.cfg.MaxTxPerWindow:
		score += 0.5
	case float64(burst) > float64(m.cfg.MaxTxPerWindow)*0.7:
		score += 0.2
	}

	newMerchant, newCategory := m.userNovelty(tx.UserID, tx.MerchantID, tx.Category)
	if newMerchant {
		score += 0.2
	}
	if newCategory && tx.Category != "" {
		score += 0.1
	}

	if !p.trusted && !p.suspicious {
		if p.count < m.cfg.MinReputationCount {
			score += 0.1
		}
		if len(p.users) < 3 {
			score += 0.1
		}
	}

	m.record(p, tx)

	return clamp01(score), nil
}

// CategoryRisk returns the base risk contribution for a merchant
// category. Also used as a feature by the heuristic scorer.
func (m *Merchant) CategoryRisk(category string) float64 {
	c := strings.ToLower(category)
	if _, ok := m.highRisk[c]; ok {
		return 0.6
	}
	if r, ok := m.cfg.CategoryRisk[c]; ok {
		return r
	}
	return 0.1
}

// MarkSuspicious flags a merchant; subsequent transactions at it score
// the suspicious term.
func (m *Merchant) MarkSuspicious(merchantID string) {
	unlock := m.locks.lock(merchantID)
	defer unlock()
	p, _ := m.profile(merchantID)
	p.suspicious = true
	p.trusted = false
}

// MarkTrusted flags a merchant; subsequent transactions at it get the
// trusted discount.
func (m *Merchant) MarkTrusted(merchantID string) {
	unlock := m.locks.lock(merchantID)
	defer unlock()
	p, _ := m.profile(merchantID)
	p.trusted = true
	p.suspicious = false
}

func (m *Merchant) profile(id string) (*merchantProfile, bool) {
	if p, ok := m.profiles.Load(id); ok {
		return p.(*merchantProfile), true
	}
	p, loaded := m.profiles.LoadOrStore(id, &merchantProfile{users: make(map[string]struct{})})
	return p.(*merchantProfile), loaded
}

func (m *Merchant) burstCount(p *merchantProfile, now time.Time) int {
	cutoff := now.Add(-m.cfg.VelocityWindow)
	n := 0
	for _, at := range p.recent {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

func (m *Merchant) userNovelty(userID, merchantID, category string) (newMerchant, newCategory bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seenMerchant := m.userHistory[userID][merchantID]
	_, seenCategory := m.userCats[userID][strings.ToLower(category)]
	return !seenMerchant, !seenCategory
}

func (m *Merchant) record(p *merchantProfile, tx *domain.Transaction) {
	if p.firstSeen.IsZero() {
		p.firstSeen = tx.Timestamp
	}
	p.lastSeen = tx.Timestamp
	if tx.Category != "" {
		p.category = strings.ToLower(tx.Category)
	}
	p.count++
	p.total += tx.AmountValue()
	p.users[tx.UserID] = struct{}{}

	cutoff := tx.Timestamp.Add(-m.cfg.VelocityWindow)
	keep := p.recent[:0]
	for _, at := range p.recent {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	p.recent = append(keep, tx.Timestamp)

	m.mu.Lock()
	if m.userHistory[tx.UserID] == nil {
		m.userHistory[tx.UserID] = make(map[string]struct{})
	}
	m.userHistory[tx.UserID][tx.MerchantID] = struct{}{}
	if m.userCats[tx.UserID] == nil {
		m.userCats[tx.UserID] = make(map[string]struct{})
	}
	m.userCats[tx.UserID][strings.ToLower(tx.Category)] = struct{}{}
	m.mu.Unlock()
}
