package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/analyzer"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// fakeRepo is an in-memory repository for handler tests.
type fakeRepo struct {
	mu      sync.Mutex
	results map[string]*domain.FraudResult
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{results: make(map[string]*domain.FraudResult)}
}

func (f *fakeRepo) SaveResult(ctx context.Context, result *domain.FraudResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[result.ID] = result
	return nil
}

func (f *fakeRepo) GetResult(ctx context.Context, id string) (*domain.FraudResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.results[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return result, nil
}

func (f *fakeRepo) ListResults(ctx context.Context, since time.Time, limit int) ([]*domain.FraudResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FraudResult
	for _, r := range f.results {
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) SaveRule(ctx context.Context, rule domain.Rule) error { return nil }

func (f *fakeRepo) ListRules(ctx context.Context) ([]domain.Rule, error) { return nil, nil }

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }

func (f *fakeRepo) Close() error { return nil }

func testServer(t *testing.T) (*Server, *fakeRepo) {
	t.Helper()

	registry, err := analyzer.DefaultRegistry(reference.Default())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	repo := newFakeRepo()
	d, err := detector.New(domain.DetectorConfig{
		GlobalThreshold: 0.7,
		MaxWorkers:      8,
		SoftDeadline:    time.Second,
	}, registry, repo, nil, nil)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}

	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, d, repo, "test"), repo
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func sampleRequest() map[string]any {
	return map[string]any{
		"id":        "tx-1",
		"userId":    "user-1",
		"amount":    "250.00",
		"currency":  "USD",
		"timestamp": "2026-03-12T14:00:00Z",
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	decodeBody(t, rec, &body)

	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %q", body.Status)
	}
	if body.Version != "test" {
		t.Errorf("expected version test, got %q", body.Version)
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAnalyzeReturnsVerdict(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyze", sampleRequest())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result domain.FraudResult
	decodeBody(t, rec, &result)

	if result.TransactionID != "tx-1" {
		t.Errorf("expected transaction tx-1, got %q", result.TransactionID)
	}
	if result.RiskScore < 0 || result.RiskScore > 1 {
		t.Errorf("risk score out of range: %f", result.RiskScore)
	}
	if result.ID == "" {
		t.Error("expected verdict ID to be assigned")
	}
}

func TestAnalyzeRejectsMalformedJSON(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAnalyzeRejectsMissingFields(t *testing.T) {
	body := sampleRequest()
	delete(body, "userId")

	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/analyze", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetResultNotFound(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/results/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetResultRoundtrip(t *testing.T) {
	srv, repo := testServer(t)

	stored := &domain.FraudResult{
		ID:            "res-1",
		TransactionID: "tx-9",
		RiskScore:     0.42,
		AnalyzedAt:    time.Now().UTC(),
	}
	if err := repo.SaveResult(context.Background(), stored); err != nil {
		t.Fatalf("failed to seed repo: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/results/res-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result domain.FraudResult
	decodeBody(t, rec, &result)
	if result.TransactionID != "tx-9" {
		t.Errorf("expected tx-9, got %q", result.TransactionID)
	}
}

func TestListResultsRejectsBadQuery(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/results?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/results?limit=-3", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestListRulesIncludesBuiltins(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Rules           []domain.Rule `json:"rules"`
		GlobalThreshold float64       `json:"globalThreshold"`
	}
	decodeBody(t, rec, &body)

	if len(body.Rules) != 9 {
		t.Errorf("expected 9 builtin rules, got %d", len(body.Rules))
	}
	if body.GlobalThreshold != 0.7 {
		t.Errorf("expected global threshold 0.7, got %f", body.GlobalThreshold)
	}
}

func TestUpdateRuleViaPatch(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPatch, "/v1/rules/"+domain.RuleAmount, map[string]any{
		"threshold": 0.25,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var rule domain.Rule
	decodeBody(t, rec, &rule)
	if rule.Threshold != 0.25 {
		t.Errorf("expected threshold 0.25, got %f", rule.Threshold)
	}
}

func TestUpdateRuleUnknownName(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPatch, "/v1/rules/bogus", map[string]any{
		"enabled": false,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCustomRuleLifecycle(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/rules", map[string]any{
		"name":       "large-cash",
		"expression": `amount > 9000.0 && payment_method == "cash"`,
		"weight":     0.2,
		"threshold":  0.5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/rules", nil)
	var body struct {
		Rules []domain.Rule `json:"rules"`
	}
	decodeBody(t, rec, &body)
	if len(body.Rules) != 10 {
		t.Errorf("expected 10 rules after create, got %d", len(body.Rules))
	}

	rec = doRequest(t, srv, http.MethodDelete, "/v1/rules/large-cash", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
}

func TestCreateRuleEnabledFlag(t *testing.T) {
	srv, _ := testServer(t)

	// Omitted enabled means enabled.
	rec := doRequest(t, srv, http.MethodPost, "/v1/rules", map[string]any{
		"name":       "defaulted",
		"expression": "amount > 100.0",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// An explicit false is kept.
	rec = doRequest(t, srv, http.MethodPost, "/v1/rules", map[string]any{
		"name":       "switched-off",
		"expression": "amount > 100.0",
		"enabled":    false,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/rules", nil)
	var body struct {
		Rules []domain.Rule `json:"rules"`
	}
	decodeBody(t, rec, &body)

	for _, rule := range body.Rules {
		switch rule.Name {
		case "defaulted":
			if !rule.Enabled {
				t.Error("expected rule without enabled field to default on")
			}
		case "switched-off":
			if rule.Enabled {
				t.Error("expected enabled:false to be kept")
			}
		}
	}
}

func TestCreateRuleRejectsBadExpression(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/rules", map[string]any{
		"name":       "broken",
		"expression": "amount >>> oops",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteBuiltinRuleRefused(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/v1/rules/"+domain.RuleVelocity, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSetThreshold(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPut, "/v1/threshold", map[string]any{
		"threshold": 0.9,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		GlobalThreshold float64 `json:"globalThreshold"`
	}
	decodeBody(t, rec, &body)
	if body.GlobalThreshold != 0.9 {
		t.Errorf("expected 0.9, got %f", body.GlobalThreshold)
	}

	rec = doRequest(t, srv, http.MethodPut, "/v1/threshold", map[string]any{
		"threshold": 1.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range threshold, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/analyze", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("expected origin echoed back, got %q", got)
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request ID header to be set")
	}
}
