package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresRuleStore persists fraud rules in PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Migrate creates the fraud_rules table if it doesn't exist.
func (s *PostgresRuleStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_rules (
			id            VARCHAR(36) PRIMARY KEY,
			name          VARCHAR(200) NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			rule_type     VARCHAR(32) NOT NULL,
			condition     JSONB NOT NULL DEFAULT '{}',
			priority      INT NOT NULL DEFAULT 3,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			trigger_count BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_rules_active
			ON fraud_rules (priority) WHERE active;
	`)
	return err
}

const ruleColumns = `id, name, description, rule_type, condition, priority, active, trigger_count, created_at, updated_at`

func scanRule(scan func(dest ...any) error) (*Rule, error) {
	var r Rule
	var condJSON []byte
	if err := scan(&r.ID, &r.Name, &r.Description, &r.Type, &condJSON,
		&r.Priority, &r.Active, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condJSON, &r.Condition); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s condition: %w", r.ID, err)
	}
	return &r, nil
}

func (s *PostgresRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *PostgresRuleStore) LoadActiveRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM fraud_rules
		WHERE active
		ORDER BY priority, created_at
	`)
}

func (s *PostgresRuleStore) ListRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM fraud_rules
		ORDER BY priority, created_at
	`)
}

func (s *PostgresRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM fraud_rules WHERE id = $1
	`, id)
	r, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

func (s *PostgresRuleStore) CreateRule(ctx context.Context, rule *Rule) error {
	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_rules (id, name, description, rule_type, condition, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), condJSON,
		rule.Priority, rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) UpdateRule(ctx context.Context, rule *Rule) error {
	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_rules
		SET name = $2, description = $3, rule_type = $4, condition = $5,
		    priority = $6, active = $7, updated_at = NOW()
		WHERE id = $1
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), condJSON,
		rule.Priority, rule.Active)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRuleStore) DeactivateRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_rules SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRuleStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fraud_rules SET trigger_count = trigger_count + 1, updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record rule trigger: %w", err)
	}
	return nil
}

// PostgresAssessmentStore persists fraud assessments in PostgreSQL.
type PostgresAssessmentStore struct {
	db *sql.DB
}

func NewPostgresAssessmentStore(db *sql.DB) *PostgresAssessmentStore {
	return &PostgresAssessmentStore{db: db}
}

// Migrate creates the fraud_assessments table if it doesn't exist.
func (s *PostgresAssessmentStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_assessments (
			id               VARCHAR(36) PRIMARY KEY,
			transaction_id   VARCHAR(64) NOT NULL,
			total_risk_score NUMERIC(5,2) NOT NULL CHECK (total_risk_score >= 0 AND total_risk_score <= 100),
			risk_level       VARCHAR(10) NOT NULL CHECK (risk_level IN ('low', 'medium', 'high')),
			risk_factors     JSONB NOT NULL DEFAULT '[]',
			triggered_rules  JSONB NOT NULL DEFAULT '[]',
			recommendations  JSONB NOT NULL DEFAULT '[]',
			manual_review    BOOLEAN NOT NULL DEFAULT FALSE,
			evaluated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_assessments_tx
			ON fraud_assessments (transaction_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_fraud_assessments_review
			ON fraud_assessments (evaluated_at DESC) WHERE manual_review;
	`)
	return err
}

func (s *PostgresAssessmentStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}
	rulesJSON, err := json.Marshal(a.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to marshal triggered rules: %w", err)
	}
	recsJSON, err := json.Marshal(a.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_assessments
			(id, transaction_id, total_risk_score, risk_level, risk_factors, triggered_rules, recommendations, manual_review, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.TransactionID, a.TotalRiskScore, string(a.RiskLevel),
		factorsJSON, rulesJSON, recsJSON, a.RequiresManualReview, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

const assessmentColumns = `id, transaction_id, total_risk_score, risk_level, risk_factors, triggered_rules, recommendations, manual_review, evaluated_at`

func scanAssessment(scan func(dest ...any) error) (*Assessment, error) {
	var a Assessment
	var factorsJSON, rulesJSON, recsJSON []byte
	if err := scan(&a.ID, &a.TransactionID, &a.TotalRiskScore, &a.RiskLevel,
		&factorsJSON, &rulesJSON, &recsJSON, &a.RequiresManualReview, &a.EvaluatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factorsJSON, &a.RiskFactors); err != nil {
		return nil, fmt.Errorf("failed to decode risk factors: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &a.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to decode triggered rules: %w", err)
	}
	if err := json.Unmarshal(recsJSON, &a.Recommendations); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}
	return &a, nil
}

func (s *PostgresAssessmentStore) GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assessmentColumns+` FROM fraud_assessments
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`, transactionID)
	a, err := scanAssessment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *PostgresAssessmentStore) ListRecent(ctx context.Context, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assessmentColumns+` FROM fraud_assessments
		ORDER BY evaluated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// PostgresTransactionStore reads recorded transactions for history seeding.
type PostgresTransactionStore struct {
	db *sql.DB
}

func NewPostgresTransactionStore(db *sql.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

// Migrate creates the fraud_transactions table if it doesn't exist.
func (s *PostgresTransactionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_transactions (
			id           VARCHAR(64) PRIMARY KEY,
			entity_id    VARCHAR(64) NOT NULL,
			amount       NUMERIC(20,2) NOT NULL,
			occurred_at  TIMESTAMPTZ NOT NULL,
			location     VARCHAR(200) NOT NULL DEFAULT '',
			country_code VARCHAR(2) NOT NULL DEFAULT '',
			device_id    VARCHAR(128) NOT NULL DEFAULT '',
			ip_address   VARCHAR(45) NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_transactions_entity
			ON fraud_transactions (entity_id, occurred_at DESC);
	`)
	return err
}

// RecordTransaction stores a transaction so future restarts can seed history.
func (s *PostgresTransactionStore) RecordTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_transactions (id, entity_id, amount, occurred_at, location, country_code, device_id, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, tx.ID, tx.EntityID, tx.Amount, tx.Timestamp, tx.Location, tx.CountryCode, tx.DeviceID, tx.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// LoadRecent returns cache entries for transactions at or after the cutoff,
// oldest first so windows rebuild in arrival order.
func (s *PostgresTransactionStore) LoadRecent(ctx context.Context, since time.Time) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, amount, occurred_at, location, country_code, device_id, ip_address
		FROM fraud_transactions
		WHERE occurred_at >= $1
		ORDER BY occurred_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []CacheEntry
	for rows.Next() {
		var e CacheEntry
		var amount decimal.Decimal
		if err := rows.Scan(&e.ID, &e.EntityID, &amount, &e.Timestamp,
			&e.Location, &e.CountryCode, &e.DeviceID, &e.IPAddress); err != nil {
			return nil, err
		}
		e.Amount = amount
		result = append(result, e)
	}
	return result, rows.Err()
}
