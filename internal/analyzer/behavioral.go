package analyzer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// BehavioralConfig toggles the individual deviation sub-checks.
type BehavioralConfig struct {
	SpendingPatterns  bool
	TransactionTiming bool
	LocationPatterns  bool
	DevicePatterns    bool
	// MaxCommonLocations caps the per-user common-location set.
	MaxCommonLocations int
	// NearbyKm and FarKm split location deviation into moderate and
	// strong anomalies.
	NearbyKm float64
	FarKm    float64
}

// DefaultBehavioralConfig returns the stock behavioral tuning with all
// sub-checks enabled.
func DefaultBehavioralConfig() BehavioralConfig {
	return BehavioralConfig{
		SpendingPatterns:   true,
		TransactionTiming:  true,
		LocationPatterns:   true,
		DevicePatterns:     true,
		MaxCommonLocations: 10,
		NearbyKm:           50,
		FarKm:              100,
	}
}

type behaviorProfile struct {
	count       int
	total       float64
	hours       map[int]int
	weekdays    map[time.Weekday]int
	locations   []domain.Location
	countries   map[string]struct{}
	devices     map[string]struct{}
	lastUpdated time.Time
}

// Behavioral scores transactions by deviation from the user's own
// established profile: spending relative to their average, unusual hours
// or days, distance from their common locations, and unseen devices. Each
// sub-check can be toggled off; with everything disabled, or with no
// anomalies found, the score is exactly zero. The profile is updated only
// after the score is computed.
type Behavioral struct {
	cfg      BehavioralConfig
	locks    keyedLock
	profiles sync.Map // userID -> *behaviorProfile
}

// NewBehavioral builds a behavioral analyzer with the given tuning.
func NewBehavioral(cfg BehavioralConfig) *Behavioral {
	if cfg.MaxCommonLocations <= 0 {
		cfg.MaxCommonLocations = 10
	}
	if cfg.NearbyKm <= 0 {
		cfg.NearbyKm = 50
	}
	if cfg.FarKm <= cfg.NearbyKm {
		cfg.FarKm = cfg.NearbyKm * 2
	}
	return &Behavioral{cfg: cfg}
}

func (b *Behavioral) Name() string { return domain.RuleBehavioral }

func (b *Behavioral) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := b.locks.lock(tx.UserID)
	defer unlock()

	p := b.profile(tx.UserID)
	score := 0.0

	if b.cfg.SpendingPatterns {
		score += b.spendingTerm(p, tx.AmountValue())
	}
	if b.cfg.TransactionTiming {
		score += b.timingTerm(p, tx.Timestamp)
	}
	if b.cfg.LocationPatterns {
		score += b.locationTerm(p, tx.Location)
	}
	if b.cfg.DevicePatterns {
		score += b.deviceTerm(p, tx.DeviceID)
	}

	b.record(p, tx)

	return clamp01(score), nil
}

// AmountDeviation returns |amount - avg| / avg against the user's
// profile, or zero with no history. Used as a feature by the heuristic
// scorer.
func (b *Behavioral) AmountDeviation(userID string, amount float64) float64 {
	unlock := b.locks.lock(userID)
	defer unlock()
	p := b.profile(userID)
	if p.count == 0 || p.total == 0 {
		return 0
	}
	avg := p.total / float64(p.count)
	if avg == 0 {
		return 0
	}
	return math.Abs(amount-avg) / avg
}

func (b *Behavioral) spendingTerm(p *behaviorProfile, amount float64) float64 {
	if p.count < 3 {
		return 0
	}
	avg := p.total / float64(p.count)
	if avg == 0 {
		return 0
	}
	deviation := math.Abs(amount-avg) / avg
	switch {
	case deviation > 2:
		return 0.5
	case deviation > 1:
		return 0.25
	default:
		return 0
	}
}

func (b *Behavioral) timingTerm(p *behaviorProfile, at time.Time) float64 {
	if p.count < 3 {
		return 0
	}
	term := 0.0
	if p.hours[at.Hour()] == 0 {
		term += 0.2
	}
	if p.weekdays[at.Weekday()] == 0 {
		term += 0.1
	}
	return term
}

func (b *Behavioral) locationTerm(p *behaviorProfile, loc *domain.Location) float64 {
	if loc == nil || len(p.locations) == 0 {
		return 0
	}
	min := math.Inf(1)
	for _, known := range p.locations {
		if d := HaversineKm(*loc, known); d < min {
			min = d
		}
	}
	term := 0.0
	switch {
	case min > b.cfg.FarKm:
		term += 0.4
	case min > b.cfg.NearbyKm:
		term += 0.2
	}
	if loc.Country != "" && len(p.countries) > 0 {
		if _, ok := p.countries[loc.Country]; !ok {
			term += 0.3
		}
	}
	return term
}

func (b *Behavioral) deviceTerm(p *behaviorProfile, deviceID string) float64 {
	if deviceID == "" || len(p.devices) == 0 {
		return 0
	}
	if _, ok := p.devices[deviceID]; !ok {
		return 0.25
	}
	return 0
}

func (b *Behavioral) profile(userID string) *behaviorProfile {
	if p, ok := b.profiles.Load(userID); ok {
		return p.(*behaviorProfile)
	}
	p, _ := b.profiles.LoadOrStore(userID, &behaviorProfile{
		hours:     make(map[int]int),
		weekdays:  make(map[time.Weekday]int),
		countries: make(map[string]struct{}),
		devices:   make(map[string]struct{}),
	})
	return p.(*behaviorProfile)
}

func (b *Behavioral) record(p *behaviorProfile, tx *domain.Transaction) {
	p.count++
	p.total += tx.AmountValue()
	p.hours[tx.Timestamp.Hour()]++
	p.weekdays[tx.Timestamp.Weekday()]++
	p.lastUpdated = tx.Timestamp
	if tx.DeviceID != "" {
		p.devices[tx.DeviceID] = struct{}{}
	}
	if tx.Location != nil {
		if tx.Location.Country != "" {
			p.countries[tx.Location.Country] = struct{}{}
		}
		p.locations = append(p.locations, *tx.Location)
		if len(p.locations) > b.cfg.MaxCommonLocations {
			p.locations = p.locations[len(p.locations)-b.cfg.MaxCommonLocations:]
		}
	}
}
