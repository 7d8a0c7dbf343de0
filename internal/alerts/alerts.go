// Package alerts turns high-risk assessments into persistent fraud alerts
// and manages their review lifecycle.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/sentineldata/fraudwatch/internal/fraud"
)

var ErrNotFound = errors.New("alert not found")

// Status tracks an alert through review.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusDismissed  Status = "dismissed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// Active reports whether the alert still needs attention.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Alert is a reviewable record of a high-risk assessment.
type Alert struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	EntityID      string         `json:"entityId"`
	RuleID        string         `json:"ruleId,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Severity      fraud.Severity `json:"severity"`
	RiskScore     float64        `json:"riskScore"`
	Status        Status         `json:"status"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Severity   fraud.Severity
	Status     Status
	AssignedTo string
	From       time.Time
	To         time.Time
	Limit      int

	// CursorTime and CursorID resume keyset pagination: only rows strictly
	// before (CursorTime, CursorID) in (created_at DESC, id DESC) order
	// match. Both must be set together.
	CursorTime time.Time
	CursorID   string
}

// Store persists alerts.
type Store interface {
	Create(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, f Filter) ([]*Alert, error)
	SetStatus(ctx context.Context, id string, status Status, assignedTo string) error
	CountActive(ctx context.Context) (int, error)
}
