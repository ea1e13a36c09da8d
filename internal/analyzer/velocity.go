package analyzer

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// VelocityConfig tunes the per-user transaction velocity rule.
type VelocityConfig struct {
	// Window is the sliding time window samples are retained for.
	Window time.Duration
	// MaxTransactions is the count at which the count component saturates.
	MaxTransactions int
	// MaxAmount is the cumulative window amount at which the amount
	// component saturates.
	MaxAmount float64
}

// DefaultVelocityConfig returns the stock velocity tuning: ten
// transactions or 5000 in cumulative amount per hour saturates the rule.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Window:          time.Hour,
		MaxTransactions: 10,
		MaxAmount:       5000,
	}
}

type velocitySample struct {
	at     time.Time
	amount float64
}

type velocityWindow struct {
	samples []velocitySample
}

// Velocity scores transactions by how fast a user is transacting. It keeps
// a sliding window of (timestamp, amount) samples per user and combines a
// count component with a cumulative amount component. The current
// transaction is included in both components but is only recorded in the
// window after the score is computed.
type Velocity struct {
	cfg     VelocityConfig
	locks   keyedLock
	windows sync.Map // userID -> *velocityWindow
}

// NewVelocity builds a velocity analyzer with the given tuning.
func NewVelocity(cfg VelocityConfig) *Velocity {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 10
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 5000
	}
	return &Velocity{cfg: cfg}
}

func (v *Velocity) Name() string { return domain.RuleVelocity }

// Analyze scores the transaction against the user's recent window and then
// records it.
func (v *Velocity) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := v.locks.lock(tx.UserID)
	defer unlock()

	w := v.window(tx.UserID)
	w.prune(tx.Timestamp, v.cfg.Window)

	count := len(w.samples) + 1
	total := tx.AmountValue()
	for _, s := range w.samples {
		total += s.amount
	}

	countRisk := clamp01(float64(count) / float64(v.cfg.MaxTransactions))
	amountRisk := clamp01(total / v.cfg.MaxAmount)
	score := clamp01((countRisk + amountRisk) / 2)

	w.samples = append(w.samples, velocitySample{at: tx.Timestamp, amount: tx.AmountValue()})

	return score, nil
}

// TransactionCount returns the number of recorded transactions for the
// user inside the window ending at now.
func (v *Velocity) TransactionCount(userID string, now time.Time) int {
	unlock := v.locks.lock(userID)
	defer unlock()

	w := v.window(userID)
	w.prune(now, v.cfg.Window)
	return len(w.samples)
}

// TotalAmount returns the cumulative recorded amount for the user inside
// the window ending at now.
func (v *Velocity) TotalAmount(userID string, now time.Time) float64 {
	unlock := v.locks.lock(userID)
	defer unlock()

	w := v.window(userID)
	w.prune(now, v.cfg.Window)
	total := 0.0
	for _, s := range w.samples {
		total += s.amount
	}
	return total
}

func (v *Velocity) window(userID string) *velocityWindow {
	if w, ok := v.windows.Load(userID); ok {
		return w.(*velocityWindow)
	}
	w, _ := v.windows.LoadOrStore(userID, &velocityWindow{})
	return w.(*velocityWindow)
}

func (w *velocityWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	keep := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	w.samples = keep
}
