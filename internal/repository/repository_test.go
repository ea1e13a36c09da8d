package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

func testRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSaveAndGetResult(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	result := &domain.FraudResult{
		ID:             "res-1",
		TransactionID:  "tx-1",
		RiskScore:      0.82,
		Fraud:          true,
		Confidence:     0.55,
		TriggeredRules: []string{"velocity", "amount"},
		RuleScores:     map[string]float64{"velocity": 0.9, "amount": 0.95},
		ProcessingMs:   12,
		AnalyzedAt:     time.Now().UTC().Truncate(time.Second),
	}

	if err := repo.SaveResult(ctx, result); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.GetResult(ctx, "res-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.TransactionID != "tx-1" || !got.Fraud {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.RiskScore != 0.82 {
		t.Errorf("expected risk score 0.82, got %f", got.RiskScore)
	}
	if len(got.TriggeredRules) != 2 {
		t.Errorf("expected 2 triggered rules, got %v", got.TriggeredRules)
	}
	if got.RuleScores["amount"] != 0.95 {
		t.Errorf("expected amount sub-score 0.95, got %v", got.RuleScores)
	}
}

func TestGetResultNotFound(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.GetResult(context.Background(), "absent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListResultsOrderedAndLimited(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		result := &domain.FraudResult{
			ID:            "res-" + string(rune('a'+i)),
			TransactionID: "tx-list",
			RiskScore:     0.1,
			AnalyzedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.SaveResult(ctx, result); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	results, err := repo.ListResults(ctx, base, 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// Newest first.
	if results[0].ID != "res-e" {
		t.Errorf("expected newest result first, got %s", results[0].ID)
	}
}

func TestSaveRuleUpsert(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rule := domain.Rule{Name: "velocity", Weight: 0.15, Threshold: 0.8, Enabled: true}
	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Upsert with a new threshold.
	rule.Threshold = 0.6
	rule.Enabled = false
	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	rules, err := repo.ListRules(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Threshold != 0.6 || rules[0].Enabled {
		t.Errorf("upsert not applied: %+v", rules[0])
	}
}

func TestSaveRuleRequiresName(t *testing.T) {
	repo := testRepo(t)

	err := repo.SaveRule(context.Background(), domain.Rule{Weight: 1})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPing(t *testing.T) {
	repo := testRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
