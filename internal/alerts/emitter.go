package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentineldata/fraudwatch/internal/circuitbreaker"
	"github.com/sentineldata/fraudwatch/internal/fraud"
	"github.com/sentineldata/fraudwatch/internal/idgen"
	"github.com/sentineldata/fraudwatch/internal/retry"
)

var (
	alertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "alerts",
		Name:      "emitted_total",
		Help:      "Total fraud alerts created by severity.",
	}, []string{"severity"})

	alertEmitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "alerts",
		Name:      "emit_errors_total",
		Help:      "Total alerts that could not be persisted after retries.",
	})

	alertsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "alerts",
		Name:      "dropped_total",
		Help:      "Total alerts dropped because the emit queue was full.",
	})
)

func init() {
	prometheus.MustRegister(alertsEmitted, alertEmitErrors, alertsDropped)
}

// Broadcaster pushes a created alert to live subscribers. Implementations
// must not block.
type Broadcaster interface {
	BroadcastAlert(alert *Alert)
}

const (
	emitQueueSize     = 256
	defaultAttempts   = 3
	defaultRetryDelay = 200 * time.Millisecond

	storeBreakerKey       = "alert_store"
	storeBreakerThreshold = 5
	storeBreakerOpenFor   = 30 * time.Second
)

// Emitter converts assessments that require manual review into alerts and
// persists them best-effort on a background worker. It implements
// fraud.AlertSink; AssessmentCompleted never blocks the assessment path.
type Emitter struct {
	store     Store
	broadcast Broadcaster
	logger    *slog.Logger
	attempts  int
	breaker   *circuitbreaker.Breaker

	queue chan *Alert
	done  chan struct{}
	once  sync.Once
}

// NewEmitter creates an emitter writing to store. broadcast may be nil.
func NewEmitter(store Store, broadcast Broadcaster, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		store:     store,
		broadcast: broadcast,
		logger:    logger,
		attempts:  defaultAttempts,
		breaker:   circuitbreaker.New(storeBreakerThreshold, storeBreakerOpenFor),
		queue:     make(chan *Alert, emitQueueSize),
		done:      make(chan struct{}),
	}
	go e.worker()
	return e
}

// WithAttempts overrides how many times a persist is retried.
func (e *Emitter) WithAttempts(n int) *Emitter {
	if n > 0 {
		e.attempts = n
	}
	return e
}

// AssessmentCompleted builds and enqueues an alert when the assessment
// demands manual review. A full queue drops the alert rather than blocking.
func (e *Emitter) AssessmentCompleted(a *fraud.Assessment, tx *fraud.Transaction) {
	if e == nil || !a.RequiresManualReview {
		return
	}

	severity := fraud.SeverityLow
	switch {
	case a.TotalRiskScore >= 80:
		severity = fraud.SeverityHigh
	case a.TotalRiskScore >= 50:
		severity = fraud.SeverityMedium
	}

	names := make([]string, 0, len(a.RiskFactors))
	for _, f := range a.RiskFactors {
		names = append(names, f.Name)
	}
	ruleID := ""
	if len(a.TriggeredRules) > 0 {
		ruleID = a.TriggeredRules[0]
	}

	now := time.Now()
	alert := &Alert{
		ID:            idgen.WithPrefix("alrt_"),
		TransactionID: a.TransactionID,
		EntityID:      tx.EntityID,
		RuleID:        ruleID,
		Title:         fmt.Sprintf("Fraud Alert - Risk Score %.1f", a.TotalRiskScore),
		Description:   "Automated fraud detection triggered. Risk factors: " + strings.Join(names, ", "),
		Severity:      severity,
		RiskScore:     a.TotalRiskScore,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	select {
	case e.queue <- alert:
	default:
		alertsDropped.Inc()
		e.logger.Warn("alert queue full, dropping alert",
			"transaction_id", alert.TransactionID, "severity", alert.Severity)
	}
}

// Close stops the worker after draining queued alerts.
func (e *Emitter) Close() {
	e.once.Do(func() { close(e.queue) })
	<-e.done
}

func (e *Emitter) worker() {
	defer close(e.done)
	for alert := range e.queue {
		e.persist(alert)
	}
}

func (e *Emitter) persist(alert *Alert) {
	if !e.breaker.Allow(storeBreakerKey) {
		alertEmitErrors.Inc()
		e.logger.Warn("alert store circuit open, dropping alert",
			"alert_id", alert.ID, "transaction_id", alert.TransactionID)
		return
	}
	err := retry.Do(context.Background(), e.attempts, defaultRetryDelay, func() error {
		return e.store.Create(context.Background(), alert)
	})
	if err != nil {
		e.breaker.RecordFailure(storeBreakerKey)
		alertEmitErrors.Inc()
		e.logger.Warn("alert persist failed",
			"alert_id", alert.ID, "transaction_id", alert.TransactionID, "error", err)
		return
	}
	e.breaker.RecordSuccess(storeBreakerKey)
	alertsEmitted.WithLabelValues(string(alert.Severity)).Inc()
	e.logger.Info("fraud alert created",
		"alert_id", alert.ID,
		"transaction_id", alert.TransactionID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore)
	if e.broadcast != nil {
		e.broadcast.BroadcastAlert(alert)
	}
}
