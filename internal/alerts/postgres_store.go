package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_alerts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_alerts (
			id             VARCHAR(36) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			entity_id      VARCHAR(64) NOT NULL,
			rule_id        VARCHAR(36) NOT NULL DEFAULT '',
			title          VARCHAR(200) NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			severity       VARCHAR(10) NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
			risk_score     NUMERIC(5,2) NOT NULL,
			status         VARCHAR(20) NOT NULL DEFAULT 'open'
				CHECK (status IN ('open', 'in_progress', 'resolved', 'dismissed')),
			assigned_to    VARCHAR(100) NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_created
			ON fraud_alerts (created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_active
			ON fraud_alerts (created_at DESC) WHERE status IN ('open', 'in_progress');
	`)
	return err
}

const alertColumns = `id, transaction_id, entity_id, rule_id, title, description, severity, risk_score, status, assigned_to, created_at, updated_at`

func scanAlert(scan func(dest ...any) error) (*Alert, error) {
	var a Alert
	if err := scan(&a.ID, &a.TransactionID, &a.EntityID, &a.RuleID, &a.Title,
		&a.Description, &a.Severity, &a.RiskScore, &a.Status, &a.AssignedTo,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, alert *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts
			(id, transaction_id, entity_id, rule_id, title, description, severity, risk_score, status, assigned_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, alert.ID, alert.TransactionID, alert.EntityID, alert.RuleID, alert.Title,
		alert.Description, string(alert.Severity), alert.RiskScore,
		string(alert.Status), alert.AssignedTo, alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1
	`, id)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var where []string
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, clause+"$"+strconv.Itoa(len(args)))
	}

	if f.Severity != "" {
		add("severity = ", string(f.Severity))
	}
	if f.Status != "" {
		add("status = ", string(f.Status))
	}
	if f.AssignedTo != "" {
		add("assigned_to = ", f.AssignedTo)
	}
	if !f.From.IsZero() {
		add("created_at >= ", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= ", f.To)
	}
	if !f.CursorTime.IsZero() && f.CursorID != "" {
		args = append(args, f.CursorTime, f.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status, assignedTo string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET status = $2,
		    assigned_to = CASE WHEN $3 <> '' THEN $3 ELSE assigned_to END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, string(status), assignedTo)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_alerts WHERE status IN ('open', 'in_progress')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active alerts: %w", err)
	}
	return n, nil
}
