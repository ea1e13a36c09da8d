package analyzer

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// LocationConfig tunes the geographic plausibility rule.
type LocationConfig struct {
	// SuspiciousDistanceKm is the hop distance from the nearest recent
	// location above which the distance term starts to escalate.
	SuspiciousDistanceKm float64
	// MaxDistanceKm is the hop distance treated as impossible travel.
	MaxDistanceKm float64
	// MaxSpeedKmh is the implied travel speed from the user's latest
	// location above which an extra penalty applies.
	MaxSpeedKmh float64
	// Window is how long past locations are retained.
	Window time.Duration
	// MaxHistory caps retained locations per user.
	MaxHistory int
	// GeoFencing enables trusted-location capping.
	GeoFencing bool
	// TrustedLocations are geofence centers. A transaction within
	// TrustedRadiusKm of any of them has its score capped.
	TrustedLocations []domain.Location
	TrustedRadiusKm  float64
}

// DefaultLocationConfig returns the stock location tuning.
func DefaultLocationConfig() LocationConfig {
	return LocationConfig{
		SuspiciousDistanceKm: 100,
		MaxDistanceKm:        1000,
		MaxSpeedKmh:          900,
		Window:               24 * time.Hour,
		MaxHistory:           100,
		TrustedRadiusKm:      1,
	}
}

type locationSample struct {
	at  time.Time
	loc domain.Location
}

type locationHistory struct {
	samples []locationSample
}

// Location scores transactions by geographic plausibility: distance from
// the user's recent locations, country risk, and cross-country movement.
// Transactions without coordinates score zero.
type Location struct {
	cfg       LocationConfig
	ref       *reference.Table
	locks     keyedLock
	histories sync.Map // userID -> *locationHistory
}

// NewLocation builds a location analyzer against the given reference table.
func NewLocation(cfg LocationConfig, ref *reference.Table) *Location {
	if cfg.SuspiciousDistanceKm <= 0 {
		cfg.SuspiciousDistanceKm = 100
	}
	if cfg.MaxDistanceKm <= cfg.SuspiciousDistanceKm {
		cfg.MaxDistanceKm = cfg.SuspiciousDistanceKm * 10
	}
	if cfg.MaxSpeedKmh <= 0 {
		cfg.MaxSpeedKmh = 900
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.TrustedRadiusKm <= 0 {
		cfg.TrustedRadiusKm = 1
	}
	if ref == nil {
		ref = reference.Default()
	}
	return &Location{cfg: cfg, ref: ref}
}

func (l *Location) Name() string { return domain.RuleLocation }

func (l *Location) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx.Location == nil {
		return 0, nil
	}

	unlock := l.locks.lock(tx.UserID)
	defer unlock()

	h := l.history(tx.UserID)
	h.prune(tx.Timestamp, l.cfg.Window, l.cfg.MaxHistory)

	score := 0.0
	country := tx.Location.Country

	switch {
	case l.ref.IsSuspicious(country):
		score += 0.75
	case l.ref.IsVeryHighRisk(country):
		score += 0.3
	case l.ref.IsHighRisk(country):
		score += 0.2
	}

	if len(h.samples) > 0 {
		score += l.distanceTerm(minDistanceKm(*tx.Location, h.samples))

		prev := h.samples[len(h.samples)-1]
		minutes := tx.Timestamp.Sub(prev.at).Minutes()
		if IsImpossibleTravel(prev.loc, *tx.Location, minutes, l.cfg.MaxSpeedKmh) {
			score += 0.2
		}
		if prev.loc.Country != "" && country != "" && prev.loc.Country != country {
			if l.ref.IsHighRisk(country) || l.ref.IsHighRisk(prev.loc.Country) {
				score += 0.2
			} else {
				score += 0.1
			}
		}
	}

	if l.cfg.GeoFencing && l.inTrustedZone(*tx.Location) && score > 0.2 {
		score = 0.2
	}

	h.samples = append(h.samples, locationSample{at: tx.Timestamp, loc: *tx.Location})
	if len(h.samples) > l.cfg.MaxHistory {
		h.samples = h.samples[len(h.samples)-l.cfg.MaxHistory:]
	}

	return clamp01(score), nil
}

// distanceTerm maps the hop distance from the nearest recent location onto
// a risk contribution: a small linear term below the suspicious distance,
// escalating between suspicious and max, and a fixed impossible-travel
// penalty at or beyond max.
func (l *Location) distanceTerm(km float64) float64 {
	switch {
	case km >= l.cfg.MaxDistanceKm:
		return 0.5
	case km >= l.cfg.SuspiciousDistanceKm:
		span := l.cfg.MaxDistanceKm - l.cfg.SuspiciousDistanceKm
		return 0.25 + (km-l.cfg.SuspiciousDistanceKm)/span*0.2
	default:
		return km / l.cfg.SuspiciousDistanceKm * 0.25
	}
}

func (l *Location) inTrustedZone(loc domain.Location) bool {
	for _, t := range l.cfg.TrustedLocations {
		if HaversineKm(loc, t) <= l.cfg.TrustedRadiusKm {
			return true
		}
	}
	return false
}

func (l *Location) history(userID string) *locationHistory {
	if h, ok := l.histories.Load(userID); ok {
		return h.(*locationHistory)
	}
	h, _ := l.histories.LoadOrStore(userID, &locationHistory{})
	return h.(*locationHistory)
}

// HistoryLen reports how many locations are currently retained for the
// user. Used by tests and the behavioral feature extractor.
func (l *Location) HistoryLen(userID string) int {
	unlock := l.locks.lock(userID)
	defer unlock()
	return len(l.history(userID).samples)
}

func (h *locationHistory) prune(now time.Time, window time.Duration, max int) {
	cutoff := now.Add(-window)
	keep := h.samples[:0]
	for _, s := range h.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	h.samples = keep
	if len(h.samples) > max {
		h.samples = h.samples[len(h.samples)-max:]
	}
}

func minDistanceKm(loc domain.Location, samples []locationSample) float64 {
	min := HaversineKm(loc, samples[0].loc)
	for _, s := range samples[1:] {
		if d := HaversineKm(loc, s.loc); d < min {
			min = d
		}
	}
	return min
}
