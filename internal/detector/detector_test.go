package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/analyzer"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

func testDetector(t *testing.T, cfg domain.DetectorConfig) *Detector {
	t.Helper()

	registry, err := analyzer.DefaultRegistry(reference.Default())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	d, err := New(cfg, registry, nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}
	return d
}

func defaultTestConfig() domain.DetectorConfig {
	return domain.DetectorConfig{
		GlobalThreshold: 0.7,
		MaxWorkers:      8,
		SoftDeadline:    time.Second,
	}
}

func sampleTx(id string, amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    "user-1",
		Amount:    decimal.NewFromFloat(amount),
		Currency:  "USD",
		Timestamp: time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC),
	}
}

func TestAnalyzeProducesBoundedScore(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	result, err := d.Analyze(context.Background(), sampleTx("tx-1", 120))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if result.RiskScore < 0 || result.RiskScore > 1 {
		t.Errorf("risk score out of range: %f", result.RiskScore)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Errorf("confidence out of range: %f", result.Confidence)
	}
	if result.ID == "" || result.TransactionID != "tx-1" {
		t.Errorf("result identity missing: %+v", result)
	}
	if len(result.RuleScores) == 0 {
		t.Error("expected per-rule scores")
	}
}

func TestAnalyzeValidation(t *testing.T) {
	d := testDetector(t, defaultTestConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		tx   *domain.Transaction
	}{
		{"missing id", &domain.Transaction{UserID: "u", Currency: "USD"}},
		{"missing user", &domain.Transaction{ID: "t", Currency: "USD"}},
		{"missing currency", &domain.Transaction{ID: "t", UserID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Analyze(ctx, tt.tx)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestDisabledRuleExcluded(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.EnabledRules = []string{domain.RuleAmount, domain.RuleTime}
	d := testDetector(t, cfg)

	result, err := d.Analyze(context.Background(), sampleTx("tx-2", 100))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if _, ok := result.RuleScores[domain.RuleVelocity]; ok {
		t.Error("disabled rule contributed a score")
	}
	if _, ok := result.RuleScores[domain.RuleAmount]; !ok {
		t.Error("enabled rule missing from scores")
	}
}

func TestHighAmountFlagsFraud(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.EnabledRules = []string{domain.RuleAmount}
	cfg.GlobalThreshold = 0.9
	d := testDetector(t, cfg)

	result, err := d.Analyze(context.Background(), sampleTx("tx-3", 50000))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	// Only the amount rule runs, saturated at 1.0.
	if !result.Fraud {
		t.Errorf("expected fraud flag, score %f", result.RiskScore)
	}
	if !result.Triggered(domain.RuleAmount) {
		t.Error("expected amount rule triggered")
	}
	if result.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0 with the single enabled rule triggered, got %f", result.Confidence)
	}
}

func TestUpdateRuleThreshold(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	threshold := 0.1
	rule, err := d.UpdateRule(domain.RuleAmount, domain.RuleUpdate{Threshold: &threshold})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if rule.Threshold != 0.1 {
		t.Errorf("expected threshold 0.1, got %f", rule.Threshold)
	}

	// The lowered threshold makes a moderate amount trigger the rule.
	result, err := d.Analyze(context.Background(), sampleTx("tx-4", 900))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !result.Triggered(domain.RuleAmount) {
		t.Errorf("expected amount triggered at lowered threshold, scores %v", result.RuleScores)
	}
}

func TestUpdateRuleRejectsInvalid(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	bad := 1.5
	if _, err := d.UpdateRule(domain.RuleAmount, domain.RuleUpdate{Weight: &bad}); err == nil {
		t.Error("expected error for out-of-range weight")
	}
	if _, err := d.UpdateRule("nope", domain.RuleUpdate{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// The previous configuration stays active.
	for _, rule := range d.Rules() {
		if rule.Name == domain.RuleAmount && rule.Weight != 0.15 {
			t.Errorf("rejected update mutated the rule: %+v", rule)
		}
	}
}

func TestAddCustomRule(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	err := d.AddCustomRule(domain.Rule{
		Name:       "crypto-cap",
		Expression: `category == "crypto" && amount > 500.0`,
		Weight:     0.3,
		Threshold:  0.5,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("add custom rule failed: %v", err)
	}

	tx := sampleTx("tx-5", 2000)
	tx.Category = "crypto"
	result, err := d.Analyze(context.Background(), tx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !result.Triggered("crypto-cap") {
		t.Errorf("expected custom rule triggered, scores %v", result.RuleScores)
	}
}

func TestCustomRuleKeepsConfiguredEnabledState(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.EnabledRules = []string{domain.RuleAmount}
	cfg.CustomRules = []domain.Rule{
		{Name: "dormant", Expression: "amount > 0.0", Weight: 0.5, Threshold: 0.5, Enabled: false},
		{Name: "live", Expression: "amount > 0.0", Weight: 0.5, Threshold: 0.5, Enabled: true},
	}
	d := testDetector(t, cfg)

	for _, rule := range d.Rules() {
		switch rule.Name {
		case "dormant":
			if rule.Enabled {
				t.Error("expected dormant rule to stay disabled")
			}
		case "live":
			if !rule.Enabled {
				t.Error("expected live rule to be enabled")
			}
		}
	}

	result, err := d.Analyze(context.Background(), sampleTx("tx-en", 50))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if _, ran := result.RuleScores["dormant"]; ran {
		t.Error("disabled custom rule was executed")
	}
	if _, ran := result.RuleScores["live"]; !ran {
		t.Error("enabled custom rule was not executed")
	}
}

func TestAddCustomRuleHonorsEnabledFlag(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	err := d.AddCustomRule(domain.Rule{
		Name:       "paused",
		Expression: "amount > 0.0",
		Weight:     0.5,
		Threshold:  0.5,
		Enabled:    false,
	})
	if err != nil {
		t.Fatalf("add custom rule failed: %v", err)
	}

	result, err := d.Analyze(context.Background(), sampleTx("tx-pa", 50))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if _, ran := result.RuleScores["paused"]; ran {
		t.Error("disabled custom rule was executed")
	}

	// Enabling it via the normal update path brings it live.
	enabled := true
	if _, err := d.UpdateRule("paused", domain.RuleUpdate{Enabled: &enabled}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	result, err = d.Analyze(context.Background(), sampleTx("tx-pb", 50))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !result.Triggered("paused") {
		t.Errorf("expected enabled custom rule to trigger, scores %v", result.RuleScores)
	}
}

func TestAddCustomRuleRejectsCollisionAndBadCEL(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	if err := d.AddCustomRule(domain.Rule{Name: domain.RuleAmount, Expression: "amount > 1.0"}); err == nil {
		t.Error("expected collision with builtin rule name")
	}
	if err := d.AddCustomRule(domain.Rule{Name: "broken", Expression: "not valid CEL !!!"}); err == nil {
		t.Error("expected compile error")
	}

	// Neither attempt changed the active rule count.
	if got := len(d.Rules()); got != len(domain.BuiltinRuleNames()) {
		t.Errorf("expected %d rules, got %d", len(domain.BuiltinRuleNames()), got)
	}
}

func TestRemoveCustomRule(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	if err := d.AddCustomRule(domain.Rule{Name: "temp", Expression: "amount > 10.0"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := d.RemoveCustomRule("temp"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := d.RemoveCustomRule(domain.RuleAmount); err == nil {
		t.Error("expected refusal to remove builtin rule")
	}
	if err := d.RemoveCustomRule("absent"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetGlobalThreshold(t *testing.T) {
	d := testDetector(t, defaultTestConfig())

	if err := d.SetGlobalThreshold(0.05); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if d.GlobalThreshold() != 0.05 {
		t.Errorf("expected threshold 0.05, got %f", d.GlobalThreshold())
	}
	if err := d.SetGlobalThreshold(1.5); err == nil {
		t.Error("expected error for out-of-range threshold")
	}
}

func TestCachedVerdictIsStable(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.CacheEnabled = true
	cfg.CacheTTL = time.Minute
	cfg.CacheMaxSize = 100
	d := testDetector(t, cfg)
	ctx := context.Background()

	tx := sampleTx("tx-cache", 250)
	first, err := d.Analyze(ctx, tx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	// The identical submission returns the cached verdict even though
	// re-scoring would see mutated velocity state.
	second, err := d.Analyze(ctx, tx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if second.ID != first.ID || second.RiskScore != first.RiskScore {
		t.Errorf("expected cached verdict, got %+v vs %+v", first, second)
	}
}

func TestConcurrentAnalyzeIsSafe(t *testing.T) {
	d := testDetector(t, defaultTestConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tx := sampleTx("tx-conc", 100)
			tx.ID = tx.ID + string(rune('a'+n))
			tx.UserID = "user-" + string(rune('a'+n%4))
			if _, err := d.Analyze(ctx, tx); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent analyze failed: %v", err)
	}
}

type failingAnalyzer struct{}

func (f *failingAnalyzer) Name() string { return domain.RuleVelocity }
func (f *failingAnalyzer) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	return 0, &domain.AnalyzerError{Rule: domain.RuleVelocity, Err: errors.New("boom")}
}

func TestFailedAnalyzerExcludedFromAggregate(t *testing.T) {
	registry := analyzer.NewRegistry()
	if err := registry.Register(NewStubAnalyzer(domain.RuleAmount, 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(&failingAnalyzer{}); err != nil {
		t.Fatal(err)
	}

	cfg := defaultTestConfig()
	cfg.EnabledRules = []string{domain.RuleAmount, domain.RuleVelocity}
	d, err := New(cfg, registry, nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}

	result, err := d.Analyze(context.Background(), sampleTx("tx-agg", 100))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	// The failed velocity rule contributes neither score nor weight;
	// the surviving rule's score carries the whole aggregate.
	if result.RiskScore != 0.9 {
		t.Errorf("expected aggregate 0.9 from the surviving rule, got %f", result.RiskScore)
	}
	if _, ok := result.RuleScores[domain.RuleVelocity]; ok {
		t.Error("failed rule must not appear in rule scores")
	}
}

func TestAggregateScoreIndependentOfRuleOrder(t *testing.T) {
	scores := map[string]float64{
		domain.RuleVelocity: 0.3,
		domain.RuleAmount:   0.9,
		domain.RuleDevice:   0.1,
		domain.RuleMerchant: 0.6,
		domain.RuleNetwork:  0.45,
	}

	build := func(enabled []string) *Detector {
		registry := analyzer.NewRegistry()
		for name, score := range scores {
			if err := registry.Register(NewStubAnalyzer(name, score)); err != nil {
				t.Fatal(err)
			}
		}
		cfg := defaultTestConfig()
		cfg.EnabledRules = enabled
		d, err := New(cfg, registry, nil, nil, nil)
		if err != nil {
			t.Fatalf("failed to build detector: %v", err)
		}
		return d
	}

	forward := build([]string{
		domain.RuleVelocity, domain.RuleAmount, domain.RuleDevice,
		domain.RuleMerchant, domain.RuleNetwork,
	})
	shuffled := build([]string{
		domain.RuleNetwork, domain.RuleDevice, domain.RuleMerchant,
		domain.RuleVelocity, domain.RuleAmount,
	})

	a, err := forward.Analyze(context.Background(), sampleTx("tx-ord", 100))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	b, err := shuffled.Analyze(context.Background(), sampleTx("tx-ord", 100))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if a.RiskScore != b.RiskScore {
		t.Errorf("combined score depends on rule order: %f vs %f", a.RiskScore, b.RiskScore)
	}
	if a.Confidence != b.Confidence {
		t.Errorf("confidence depends on rule order: %f vs %f", a.Confidence, b.Confidence)
	}
}

// stubAnalyzer returns a fixed score, for aggregation tests.
type stubAnalyzer struct {
	name  string
	score float64
}

// NewStubAnalyzer builds a fixed-score analyzer.
func NewStubAnalyzer(name string, score float64) analyzer.Analyzer {
	return &stubAnalyzer{name: name, score: score}
}

func (s *stubAnalyzer) Name() string { return s.name }
func (s *stubAnalyzer) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	return s.score, nil
}

func TestRecommendationsFollowRiskLevel(t *testing.T) {
	high := &domain.FraudResult{RiskScore: 0.9, TriggeredRules: []string{domain.RuleVelocity}}
	recs := recommend(high)
	if len(recs) < 2 {
		t.Fatalf("expected block recommendation plus rule advice, got %v", recs)
	}
	if recs[0] != "Block transaction and require manual review" {
		t.Errorf("unexpected lead recommendation: %s", recs[0])
	}

	clean := &domain.FraudResult{RiskScore: 0.1}
	if recs := recommend(clean); recs != nil {
		t.Errorf("expected no recommendations for clean result, got %v", recs)
	}
}

func TestFingerprintDistinguishesSemanticFields(t *testing.T) {
	a := sampleTx("tx-f", 100)
	b := sampleTx("tx-f", 100)
	if fingerprint(a) != fingerprint(b) {
		t.Error("identical transactions must share a fingerprint")
	}

	c := sampleTx("tx-f", 101)
	if fingerprint(a) == fingerprint(c) {
		t.Error("different amounts must not share a fingerprint")
	}
}
