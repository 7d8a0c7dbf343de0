package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sentineldata/fraudwatch/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit fraud lifecycle events.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// EmitAlertCreated emits an alert.created event.
func (e *Emitter) EmitAlertCreated(alertID, transactionID, entityID, severity string, riskScore float64) {
	e.emit(EventAlertCreated, map[string]interface{}{
		"alertId":       alertID,
		"transactionId": transactionID,
		"entityId":      entityID,
		"severity":      severity,
		"riskScore":     riskScore,
	})
}

// EmitAlertStatusChanged emits an alert.status_changed event.
func (e *Emitter) EmitAlertStatusChanged(alertID, status, assignedTo string) {
	e.emit(EventAlertStatusChanged, map[string]interface{}{
		"alertId":    alertID,
		"status":     status,
		"assignedTo": assignedTo,
	})
}

// EmitAssessmentFlagged emits an assessment.flagged event for
// assessments requiring manual review.
func (e *Emitter) EmitAssessmentFlagged(transactionID, entityID, riskLevel string, riskScore float64, factors []string) {
	e.emit(EventAssessmentFlagged, map[string]interface{}{
		"transactionId": transactionID,
		"entityId":      entityID,
		"riskLevel":     riskLevel,
		"riskScore":     riskScore,
		"riskFactors":   factors,
	})
}
