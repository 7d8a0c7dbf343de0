// Package fraud implements the real-time transaction risk assessment engine.
//
// Every incoming transaction is evaluated against five built-in analyzers
// (amount, velocity, geographic, temporal, device) plus a hot-reloadable set
// of configured rules. Each signal produces a scored risk factor; factors are
// aggregated into a bounded 0-100 score with severity weighting and
// diminishing returns. Assessments above the review threshold, with any
// high-severity factor, or with two or more triggered rules are flagged for
// manual review.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested rule or assessment does not exist.
var ErrNotFound = errors.New("fraud: not found")

// Severity is the qualitative weight of a risk factor.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Multiplier returns the score weight applied during aggregation.
func (s Severity) Multiplier() float64 {
	switch s {
	case SeverityLow:
		return 0.5
	case SeverityHigh:
		return 1.5
	default:
		return 1.0
	}
}

// RiskLevel is the discrete classification of a total risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFactor is one scored, named signal contributing to a transaction's
// total risk. Factors are immutable once created.
type RiskFactor struct {
	Name        string   `json:"name"`
	Score       float64  `json:"score"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Transaction is an incoming transaction event to be assessed. It is created
// by the external transaction source and never mutated by the engine.
type Transaction struct {
	ID          string          `json:"id"`
	EntityID    string          `json:"entityId"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Location    string          `json:"location,omitempty"`
	CountryCode string          `json:"countryCode,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
	IPAddress   string          `json:"ipAddress,omitempty"`
	Type        string          `json:"type,omitempty"`
}

// CacheEntry is the reduced projection of a Transaction kept in the per-entity
// history window.
type CacheEntry struct {
	ID          string
	EntityID    string
	Amount      decimal.Decimal
	Timestamp   time.Time
	Location    string
	CountryCode string
	DeviceID    string
	IPAddress   string
}

// entry builds the cache projection of a transaction.
func (t *Transaction) entry() CacheEntry {
	return CacheEntry{
		ID:          t.ID,
		EntityID:    t.EntityID,
		Amount:      t.Amount,
		Timestamp:   t.Timestamp,
		Location:    t.Location,
		CountryCode: t.CountryCode,
		DeviceID:    t.DeviceID,
		IPAddress:   t.IPAddress,
	}
}

// Assessment is the complete result of analyzing one transaction.
type Assessment struct {
	ID                   string       `json:"id"`
	TransactionID        string       `json:"transactionId"`
	TotalRiskScore       float64      `json:"totalRiskScore"`
	RiskLevel            RiskLevel    `json:"riskLevel"`
	RiskFactors          []RiskFactor `json:"riskFactors"`
	TriggeredRules       []string     `json:"triggeredRules"`
	Recommendations      []string     `json:"recommendations"`
	RequiresManualReview bool         `json:"requiresManualReview"`
	EvaluatedAt          time.Time    `json:"evaluatedAt"`
}

// TransactionStore supplies recent transactions for seeding the history cache
// at startup.
type TransactionStore interface {
	LoadRecent(ctx context.Context, since time.Time) ([]CacheEntry, error)
}

// RuleStore persists configured rules and their trigger statistics.
type RuleStore interface {
	LoadActiveRules(ctx context.Context) ([]Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeactivateRule(ctx context.Context, id string) error
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// AssessmentStore persists assessments as an audit trail.
type AssessmentStore interface {
	Record(ctx context.Context, a *Assessment) error
	GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error)
	ListRecent(ctx context.Context, limit int) ([]*Assessment, error)
}
