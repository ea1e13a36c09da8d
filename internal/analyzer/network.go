package analyzer

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// NetworkConfig tunes the network origin rule.
type NetworkConfig struct {
	// SuspiciousIPs and TrustedIPs seed the IP lists; both can also be
	// changed at runtime.
	SuspiciousIPs []string
	TrustedIPs    []string
	// MaxUsersPerIP is the distinct-user count above which an address is
	// penalized for account sharing.
	MaxUsersPerIP int
	// VelocityWindow bounds the per-address transaction rate check.
	VelocityWindow time.Duration
	// BurstPerMinute and FloodPerMinute are the per-address rates at
	// which the moderate and heavy rate penalties apply.
	BurstPerMinute float64
	FloodPerMinute float64
}

// DefaultNetworkConfig returns the stock network tuning.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		MaxUsersPerIP:  3,
		VelocityWindow: 10 * time.Minute,
		BurstPerMinute: 5,
		FloodPerMinute: 10,
	}
}

type ipProfile struct {
	trusted    bool
	suspicious bool
	country    string
	users      map[string]struct{}
	recent     []time.Time
}

// Network scores transactions by originating address: list membership,
// anonymizing infrastructure, address sharing across accounts, per-address
// bursts, and a mismatch between the address's country and the
// transaction's location. Anonymizer and address-country signals come from
// the "ip_proxy", "ip_vpn", "ip_tor" and "ip_country" metadata keys, which
// an upstream enrichment step fills in. Transactions without an address
// score zero.
type Network struct {
	cfg      NetworkConfig
	ref      *reference.Table
	locks    keyedLock
	profiles sync.Map // IP -> *ipProfile
}

// NewNetwork builds a network analyzer against the given reference table.
func NewNetwork(cfg NetworkConfig, ref *reference.Table) *Network {
	if cfg.MaxUsersPerIP <= 0 {
		cfg.MaxUsersPerIP = 3
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 10 * time.Minute
	}
	if cfg.BurstPerMinute <= 0 {
		cfg.BurstPerMinute = 5
	}
	if cfg.FloodPerMinute <= cfg.BurstPerMinute {
		cfg.FloodPerMinute = cfg.BurstPerMinute * 2
	}
	if ref == nil {
		ref = reference.Default()
	}

	n := &Network{cfg: cfg, ref: ref}
	for _, ip := range cfg.SuspiciousIPs {
		p, _ := n.profile(ip)
		p.suspicious = true
	}
	for _, ip := range cfg.TrustedIPs {
		p, _ := n.profile(ip)
		p.trusted = true
	}
	return n
}

func (n *Network) Name() string { return domain.RuleNetwork }

func (n *Network) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx.IPAddress == "" {
		return 0, nil
	}

	unlock := n.locks.lock(tx.IPAddress)
	defer unlock()

	p, _ := n.profile(tx.IPAddress)
	score := 0.0

	switch {
	case p.suspicious:
		score += 0.8
	case p.trusted:
		score -= 0.3
	}

	switch {
	case tx.Meta("ip_tor") == "true":
		score += 0.8
	case tx.Meta("ip_proxy") == "true":
		score += 0.5
	case tx.Meta("ip_vpn") == "true":
		score += 0.3
	}

	ipCountry := tx.Meta("ip_country")
	if ipCountry == "" {
		ipCountry = p.country
	}
	if ipCountry != "" {
		switch {
		case n.ref.IsSuspicious(ipCountry):
			score += 0.4
		case n.ref.RiskOf(ipCountry) <= 0.2:
			score -= 0.1
		}
		if c := tx.Country(); c != "" && c != ipCountry {
			score += 0.6
		}
	}

	if n.distinctUsers(p, tx.UserID) > n.cfg.MaxUsersPerIP {
		score += 0.3
	}

	rate := n.rate(p, tx.Timestamp)
	switch {
	case rate > n.cfg.FloodPerMinute:
		score += 0.7
	case rate > n.cfg.BurstPerMinute:
		score += 0.4
	}

	n.record(p, tx, ipCountry)

	return clamp01(score), nil
}

// IPRisk returns a coarse standalone risk for an address, used as a
// feature by the heuristic scorer. Unknown addresses read as mildly
// risky.
func (n *Network) IPRisk(ip string) float64 {
	if ip == "" {
		return 0.2
	}
	unlock := n.locks.lock(ip)
	defer unlock()
	v, ok := n.profiles.Load(ip)
	if !ok {
		return 0.2
	}
	p := v.(*ipProfile)
	switch {
	case p.suspicious:
		return 0.9
	case p.trusted:
		return 0.05
	case n.ref.IsSuspicious(p.country):
		return 0.6
	default:
		return 0.2
	}
}

// MarkSuspicious flags an address for future transactions.
func (n *Network) MarkSuspicious(ip string) {
	unlock := n.locks.lock(ip)
	defer unlock()
	p, _ := n.profile(ip)
	p.suspicious = true
	p.trusted = false
}

// MarkTrusted flags an address for future transactions.
func (n *Network) MarkTrusted(ip string) {
	unlock := n.locks.lock(ip)
	defer unlock()
	p, _ := n.profile(ip)
	p.trusted = true
	p.suspicious = false
}

func (n *Network) profile(ip string) (*ipProfile, bool) {
	if p, ok := n.profiles.Load(ip); ok {
		return p.(*ipProfile), true
	}
	p, loaded := n.profiles.LoadOrStore(ip, &ipProfile{users: make(map[string]struct{})})
	return p.(*ipProfile), loaded
}

// distinctUsers counts the users seen on the address including the
// current one.
func (n *Network) distinctUsers(p *ipProfile, userID string) int {
	if _, ok := p.users[userID]; ok {
		return len(p.users)
	}
	return len(p.users) + 1
}

func (n *Network) rate(p *ipProfile, now time.Time) float64 {
	cutoff := now.Add(-n.cfg.VelocityWindow)
	c := 0
	for _, at := range p.recent {
		if at.After(cutoff) {
			c++
		}
	}
	minutes := n.cfg.VelocityWindow.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(c+1) / minutes
}

func (n *Network) record(p *ipProfile, tx *domain.Transaction, country string) {
	p.users[tx.UserID] = struct{}{}
	if country != "" {
		p.country = country
	}
	cutoff := tx.Timestamp.Add(-n.cfg.VelocityWindow)
	keep := p.recent[:0]
	for _, at := range p.recent {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	p.recent = append(keep, tx.Timestamp)
}
