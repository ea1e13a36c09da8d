package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaResults = `
CREATE TABLE IF NOT EXISTS fraud_results (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    fraud INTEGER NOT NULL,
    confidence REAL NOT NULL,
    triggered_rules TEXT NOT NULL,
    rule_scores TEXT NOT NULL,
    recommendations TEXT,
    processing_ms INTEGER NOT NULL,
    analyzed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_transaction ON fraud_results(transaction_id);
CREATE INDEX IF NOT EXISTS idx_results_analyzed ON fraud_results(analyzed_at);
CREATE INDEX IF NOT EXISTS idx_results_fraud ON fraud_results(fraud);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    name TEXT PRIMARY KEY,
    weight REAL NOT NULL DEFAULT 1.0,
    threshold REAL NOT NULL DEFAULT 0.5,
    enabled INTEGER NOT NULL DEFAULT 1,
    expression TEXT,
    config TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaResults,
		schemaRules,
	}
}
