// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveResult stores a fraud result.
func (r *SQLRepository) SaveResult(ctx context.Context, result *domain.FraudResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("%w: result id is required", domain.ErrInvalidInput)
	}

	triggered, _ := json.Marshal(result.TriggeredRules)
	scores, _ := json.Marshal(result.RuleScores)
	recommendations, _ := json.Marshal(result.Recommendations)

	query := `
		INSERT INTO fraud_results (
			id, transaction_id, risk_score, fraud, confidence,
			triggered_rules, rule_scores, recommendations,
			processing_ms, analyzed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.ID, result.TransactionID,
		result.RiskScore, boolToInt(result.Fraud), result.Confidence,
		string(triggered), string(scores), string(recommendations),
		result.ProcessingMs, result.AnalyzedAt,
	)
	return err
}

// GetResult retrieves a result by its ID.
func (r *SQLRepository) GetResult(ctx context.Context, id string) (*domain.FraudResult, error) {
	query := `
		SELECT id, transaction_id, risk_score, fraud, confidence,
			   triggered_rules, rule_scores, recommendations,
			   processing_ms, analyzed_at
		FROM fraud_results
		WHERE id = ?
	`

	result, err := scanResult(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return result, err
}

// ListResults returns results analyzed since the given time, newest first.
func (r *SQLRepository) ListResults(ctx context.Context, since time.Time, limit int) ([]*domain.FraudResult, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, transaction_id, risk_score, fraud, confidence,
			   triggered_rules, rule_scores, recommendations,
			   processing_ms, analyzed_at
		FROM fraud_results
		WHERE analyzed_at >= ?
		ORDER BY analyzed_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.FraudResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// SaveRule upserts a rule configuration.
func (r *SQLRepository) SaveRule(ctx context.Context, rule domain.Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: rule name is required", domain.ErrInvalidInput)
	}

	config, _ := json.Marshal(rule.Config)

	query := `
		INSERT INTO rules (name, weight, threshold, enabled, expression, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			weight = excluded.weight,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			expression = excluded.expression,
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Weight, rule.Threshold, boolToInt(rule.Enabled),
		rule.Expression, string(config), time.Now().UTC(),
	)
	return err
}

// ListRules returns all stored rule configurations.
func (r *SQLRepository) ListRules(ctx context.Context) ([]domain.Rule, error) {
	query := `
		SELECT name, weight, threshold, enabled, expression, config
		FROM rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var enabled int
		var expression, config sql.NullString

		if err := rows.Scan(&rule.Name, &rule.Weight, &rule.Threshold, &enabled, &expression, &config); err != nil {
			return nil, err
		}
		rule.Enabled = enabled != 0
		rule.Expression = expression.String
		if config.String != "" {
			_ = json.Unmarshal([]byte(config.String), &rule.Config)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Ping checks repository health.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*domain.FraudResult, error) {
	var result domain.FraudResult
	var fraud int
	var triggered, scores, recommendations sql.NullString

	err := row.Scan(
		&result.ID, &result.TransactionID,
		&result.RiskScore, &fraud, &result.Confidence,
		&triggered, &scores, &recommendations,
		&result.ProcessingMs, &result.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}

	result.Fraud = fraud != 0
	if triggered.String != "" {
		_ = json.Unmarshal([]byte(triggered.String), &result.TriggeredRules)
	}
	if scores.String != "" {
		_ = json.Unmarshal([]byte(scores.String), &result.RuleScores)
	}
	if recommendations.String != "" {
		_ = json.Unmarshal([]byte(recommendations.String), &result.Recommendations)
	}
	return &result, nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
