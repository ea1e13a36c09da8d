package analyzer

import (
	"context"
	"math"
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// Scoring strategies for the heuristic composite analyzer.
const (
	StrategyWeightedSum    = "weighted_sum"
	StrategyDistance       = "distance"
	StrategyReconstruction = "reconstruction"
	StrategyEnsemble       = "ensemble"
)

// Feature vector layout. Order is load-bearing: weights and the running
// center are indexed by these positions.
const (
	featAmount = iota
	featHour
	featWeekend
	featHasDevice
	featHasLocation
	featCountryRisk
	featVelocity
	featNewDevice
	featCategoryRisk
	featIPRisk
	featSpendDeviation
	featureCount
)

// MLConfig tunes the heuristic composite analyzer.
type MLConfig struct {
	// Strategy selects how features are combined.
	Strategy string
	// LearningRate drives the online weight adjustment after each
	// transaction. Zero disables adjustment.
	LearningRate float64
	// AmountScale normalizes the raw amount feature.
	AmountScale float64
}

// DefaultMLConfig returns the stock heuristic tuning: ensemble strategy
// with slow online adjustment.
func DefaultMLConfig() MLConfig {
	return MLConfig{
		Strategy:     StrategyEnsemble,
		LearningRate: 0.01,
		AmountScale:  10000,
	}
}

// MLInputs are the peer analyzers the composite reads features from. All
// reads are side-effect free; peers are only mutated by their own Analyze
// calls.
type MLInputs struct {
	Velocity   *Velocity
	Device     *Device
	Merchant   *Merchant
	Network    *Network
	Behavioral *Behavioral
	Reference  *reference.Table
}

// ML is a composite heuristic scorer. It extracts a fixed feature vector
// from the transaction and the peer analyzers' state, combines it with one
// of several strategies, and slowly adapts its weights and running feature
// center online. If a strategy cannot produce a usable score it falls back
// to a static rule-of-thumb score rather than failing the rule.
type ML struct {
	cfg    MLConfig
	inputs MLInputs

	mu      sync.Mutex
	weights [featureCount]float64
	center  [featureCount]float64
	seen    int
}

// NewML builds the composite analyzer reading from the given peers.
func NewML(cfg MLConfig, inputs MLInputs) *ML {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyEnsemble
	}
	if cfg.AmountScale <= 0 {
		cfg.AmountScale = 10000
	}
	if inputs.Reference == nil {
		inputs.Reference = reference.Default()
	}

	m := &ML{cfg: cfg, inputs: inputs}
	m.weights = [featureCount]float64{
		featAmount:         1.5,
		featHour:           0.5,
		featWeekend:        0.3,
		featHasDevice:      0.4,
		featHasLocation:    0.4,
		featCountryRisk:    1.2,
		featVelocity:       1.5,
		featNewDevice:      1.0,
		featCategoryRisk:   1.0,
		featIPRisk:         1.2,
		featSpendDeviation: 1.0,
	}
	return m
}

func (m *ML) Name() string { return domain.RuleML }

func (m *ML) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f := m.features(tx)

	m.mu.Lock()
	defer m.mu.Unlock()

	var score float64
	switch m.cfg.Strategy {
	case StrategyWeightedSum:
		score = m.weightedSum(f)
	case StrategyDistance:
		score = m.distance(f)
	case StrategyReconstruction:
		score = m.reconstruction(f)
	case StrategyEnsemble:
		score = (m.weightedSum(f) + m.distance(f) + m.reconstruction(f)) / 3
	default:
		score = fallbackScore(tx, m.inputs.Reference)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = fallbackScore(tx, m.inputs.Reference)
	}
	score = clamp01(score)

	m.update(f, score)

	return score, nil
}

// features extracts the fixed feature vector. Every component lands in
// [0,1] except the spending deviation, which is capped at 1 here.
func (m *ML) features(tx *domain.Transaction) [featureCount]float64 {
	var f [featureCount]float64

	f[featAmount] = clamp01(math.Abs(tx.AmountValue()) / m.cfg.AmountScale)
	f[featHour] = float64(tx.Timestamp.Hour()) / 23
	if wd := tx.Timestamp.Weekday(); wd == 0 || wd == 6 {
		f[featWeekend] = 1
	}
	if tx.DeviceID == "" {
		f[featHasDevice] = 1
	}
	if tx.Location == nil {
		f[featHasLocation] = 1
	}
	f[featCountryRisk] = m.inputs.Reference.RiskOf(tx.Country())

	if v := m.inputs.Velocity; v != nil {
		count := float64(v.TransactionCount(tx.UserID, tx.Timestamp) + 1)
		f[featVelocity] = clamp01(count / 10)
	}
	if d := m.inputs.Device; d != nil && tx.DeviceID != "" {
		if !d.KnownDevice(tx) {
			f[featNewDevice] = 1
		}
	}
	if mc := m.inputs.Merchant; mc != nil && tx.Category != "" {
		f[featCategoryRisk] = mc.CategoryRisk(tx.Category)
	}
	if n := m.inputs.Network; n != nil {
		f[featIPRisk] = n.IPRisk(tx.IPAddress)
	}
	if b := m.inputs.Behavioral; b != nil {
		f[featSpendDeviation] = clamp01(b.AmountDeviation(tx.UserID, tx.AmountValue()) / 3)
	}

	return f
}

// weightedSum combines features as a weight-normalized dot product.
func (m *ML) weightedSum(f [featureCount]float64) float64 {
	var sum, wsum float64
	for i := range f {
		sum += f[i] * m.weights[i]
		wsum += m.weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// distance scores by how far the vector sits from the running feature
// center, normalized by the maximum possible distance.
func (m *ML) distance(f [featureCount]float64) float64 {
	if m.seen == 0 {
		return m.weightedSum(f)
	}
	var sq float64
	for i := range f {
		d := f[i] - m.center[i]
		sq += d * d
	}
	return math.Sqrt(sq) / math.Sqrt(featureCount)
}

// reconstruction scores by the weighted absolute error between the vector
// and the running center.
func (m *ML) reconstruction(f [featureCount]float64) float64 {
	if m.seen == 0 {
		return m.weightedSum(f)
	}
	var err, wsum float64
	for i := range f {
		err += math.Abs(f[i]-m.center[i]) * m.weights[i]
		wsum += m.weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return err / wsum
}

// update folds the vector into the running center and nudges the weights
// toward features that co-occur with high scores.
func (m *ML) update(f [featureCount]float64, score float64) {
	m.seen++
	k := 1 / float64(m.seen)
	if k < 0.001 {
		k = 0.001
	}
	for i := range f {
		m.center[i] += (f[i] - m.center[i]) * k
	}

	if m.cfg.LearningRate <= 0 {
		return
	}
	for i := range f {
		m.weights[i] += m.cfg.LearningRate * (score - 0.5) * f[i]
		if m.weights[i] < 0.05 {
			m.weights[i] = 0.05
		}
		if m.weights[i] > 3 {
			m.weights[i] = 3
		}
	}
}

// fallbackScore is the static rule-of-thumb used when no strategy can
// score the transaction.
func fallbackScore(tx *domain.Transaction, ref *reference.Table) float64 {
	score := 0.0
	if math.Abs(tx.AmountValue()) > 5000 {
		score += 0.4
	}
	if h := tx.Timestamp.Hour(); h < 6 || h >= 22 {
		score += 0.2
	}
	if wd := tx.Timestamp.Weekday(); wd == 0 || wd == 6 {
		score += 0.1
	}
	if tx.DeviceID == "" {
		score += 0.15
	}
	if tx.Location == nil {
		score += 0.15
	}
	if ref.IsHighRisk(tx.Country()) {
		score += 0.3
	}
	return clamp01(score)
}
