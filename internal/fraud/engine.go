package fraud

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sentineldata/fraudwatch/internal/idgen"
	"github.com/sentineldata/fraudwatch/internal/traces"
)

// Defaults applied when the corresponding option is not set.
const (
	DefaultRiskThreshold = 70.0
	DefaultSeedWindow    = 24 * time.Hour
)

// DefaultMaxAmount is the absolute amount ceiling used by the amount
// analyzer when none is configured.
var DefaultMaxAmount = decimal.NewFromInt(50000)

// AlertSink receives completed assessments that may warrant an alert.
// Implementations must not block: Analyze calls it inline.
type AlertSink interface {
	AssessmentCompleted(a *Assessment, tx *Transaction)
}

// Engine assesses transactions for fraud risk. It combines the built-in
// analyzers with configurable rules and keeps a bounded in-memory history
// window per entity.
type Engine struct {
	cache     *HistoryCache
	analyzers *analyzerSet
	rules     *RuleEngine

	ruleStore       RuleStore
	assessmentStore AssessmentStore
	txStore         TransactionStore
	alerts          AlertSink

	logger        *slog.Logger
	riskThreshold float64
	seedWindow    time.Duration
	running       atomic.Bool
}

// NewEngine creates a fraud engine with default thresholds. Stores and the
// alert sink are optional; without them the engine runs purely in memory.
func NewEngine() *Engine {
	return &Engine{
		cache:         NewHistoryCache(),
		analyzers:     newAnalyzerSet(DefaultMaxAmount, nil),
		rules:         NewRuleEngine(time.Hour),
		logger:        slog.Default(),
		riskThreshold: DefaultRiskThreshold,
		seedWindow:    DefaultSeedWindow,
	}
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// WithRiskThreshold overrides the manual-review score threshold.
func (e *Engine) WithRiskThreshold(t float64) *Engine {
	e.riskThreshold = t
	return e
}

// WithLimits overrides the absolute amount ceiling and extends the
// country-risk table with extra high-risk countries.
func (e *Engine) WithLimits(maxAmount decimal.Decimal, highRiskCountries []string) *Engine {
	e.analyzers = newAnalyzerSet(maxAmount, highRiskCountries)
	return e
}

// WithVelocityWindow sets the default window for velocity rules.
func (e *Engine) WithVelocityWindow(d time.Duration) *Engine {
	e.rules = NewRuleEngine(d)
	return e
}

// WithSeedWindow sets how far back Start seeds the history cache.
func (e *Engine) WithSeedWindow(d time.Duration) *Engine {
	if d > 0 {
		e.seedWindow = d
	}
	return e
}

// WithRuleStore attaches the store rules are loaded from and trigger counts
// recorded to.
func (e *Engine) WithRuleStore(s RuleStore) *Engine {
	e.ruleStore = s
	return e
}

// WithAssessmentStore attaches the audit store assessments are persisted to.
func (e *Engine) WithAssessmentStore(s AssessmentStore) *Engine {
	e.assessmentStore = s
	return e
}

// WithTransactionStore attaches the store used to seed history on Start.
func (e *Engine) WithTransactionStore(s TransactionStore) *Engine {
	e.txStore = s
	return e
}

// WithAlertSink attaches the sink notified after each assessment.
func (e *Engine) WithAlertSink(sink AlertSink) *Engine {
	e.alerts = sink
	return e
}

// Cache exposes the history cache for seeding and introspection.
func (e *Engine) Cache() *HistoryCache { return e.cache }

// ActiveRules returns the currently loaded rule snapshot.
func (e *Engine) ActiveRules() []Rule { return e.rules.Rules() }

// Running reports whether Start has completed without a matching Stop.
func (e *Engine) Running() bool { return e.running.Load() }

// Start loads active rules and seeds the history cache from recent
// transactions. Either store being absent (or failing) degrades to an empty
// state rather than aborting startup.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ReloadRules(ctx); err != nil {
		e.logger.Error("rule load failed, starting with empty rule set", "error", err)
	}
	if e.txStore != nil {
		entries, err := e.txStore.LoadRecent(ctx, time.Now().Add(-e.seedWindow))
		if err != nil {
			e.logger.Error("history seed failed, starting with empty cache", "error", err)
		} else {
			e.cache.BulkLoad(entries)
			e.logger.Info("history cache seeded", "entries", len(entries))
		}
	}
	e.running.Store(true)
	e.logger.Info("fraud engine started",
		"rules", len(e.rules.Rules()),
		"risk_threshold", e.riskThreshold)
	return nil
}

// Stop marks the engine stopped. In-flight assessments complete normally.
func (e *Engine) Stop(ctx context.Context) {
	e.running.Store(false)
	e.logger.Info("fraud engine stopped")
}

// ReloadRules atomically replaces the active rule set from the rule store.
// On error the previous set stays in effect.
func (e *Engine) ReloadRules(ctx context.Context) error {
	if e.ruleStore == nil {
		return nil
	}
	rules, err := e.ruleStore.LoadActiveRules(ctx)
	if err != nil {
		return err
	}
	e.rules.Load(rules)
	ruleReloads.Inc()
	e.logger.Info("fraud rules reloaded", "count", len(rules))
	return nil
}

// Analyze assesses one transaction. It never returns an error: any internal
// failure degrades to a fail-safe assessment flagged for manual review.
// History reads and the append of this transaction are serialized per entity,
// so concurrent calls for the same entity observe each other's transactions.
func (e *Engine) Analyze(ctx context.Context, tx *Transaction) *Assessment {
	ctx, span := traces.StartSpan(ctx, "fraud.analyze",
		traces.TransactionID(tx.ID), traces.EntityID(tx.EntityID))
	defer span.End()
	start := time.Now()

	assessment := e.analyze(ctx, tx)

	assessmentDuration.Observe(time.Since(start).Seconds())
	assessmentsTotal.WithLabelValues(string(assessment.RiskLevel)).Inc()
	if assessment.RequiresManualReview {
		manualReviewTotal.Inc()
	}

	if e.assessmentStore != nil {
		a := assessment
		go func() {
			if err := e.assessmentStore.Record(context.Background(), a); err != nil {
				e.logger.Warn("assessment persist failed", "transaction_id", a.TransactionID, "error", err)
			}
		}()
	}
	if e.ruleStore != nil && len(assessment.TriggeredRules) > 0 {
		ids := assessment.TriggeredRules
		at := assessment.EvaluatedAt
		go func() {
			for _, id := range ids {
				if err := e.ruleStore.RecordTrigger(context.Background(), id, at); err != nil {
					e.logger.Warn("rule trigger record failed", "rule_id", id, "error", err)
				}
			}
		}()
	}
	if e.alerts != nil {
		e.alerts.AssessmentCompleted(assessment, tx)
	}

	e.logger.Info("transaction assessed",
		"transaction_id", tx.ID,
		"entity_id", tx.EntityID,
		"risk_score", assessment.TotalRiskScore,
		"risk_level", assessment.RiskLevel,
		"manual_review", assessment.RequiresManualReview)

	return assessment
}

func (e *Engine) analyze(ctx context.Context, tx *Transaction) (assessment *Assessment) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("assessment panicked, returning fail-safe result",
				"transaction_id", tx.ID, "panic", rec)
			assessment = e.failSafe(tx)
		}
	}()

	var factors []RiskFactor
	var triggered []string

	e.cache.Observe(tx.EntityID, tx.entry(), func(window []CacheEntry) {
		for _, a := range e.analyzers.all() {
			if f := e.runAnalyzer(a, tx, window); f != nil {
				factors = append(factors, *f)
			}
		}
		outcomes, failedRules := e.rules.Evaluate(tx, window)
		for _, o := range outcomes {
			factors = append(factors, o.factor)
			triggered = append(triggered, o.rule.ID)
		}
		for _, id := range failedRules {
			ruleFailures.Inc()
			e.logger.Warn("rule evaluation failed", "rule_id", id, "transaction_id", tx.ID)
		}
	})

	score := math.Round(aggregateScore(factors)*100) / 100
	level := riskLevel(score)

	review := score >= e.riskThreshold || len(triggered) >= 2
	if !review {
		for _, f := range factors {
			if f.Severity == SeverityHigh {
				review = true
				break
			}
		}
	}

	return &Assessment{
		ID:                   idgen.WithPrefix("asmt_"),
		TransactionID:        tx.ID,
		TotalRiskScore:       score,
		RiskLevel:            level,
		RiskFactors:          factors,
		TriggeredRules:       triggered,
		Recommendations:      recommendations(factors, score),
		RequiresManualReview: review,
		EvaluatedAt:          time.Now(),
	}
}

// runAnalyzer isolates one analyzer: a panic or error drops only its factor.
func (e *Engine) runAnalyzer(a analyzer, tx *Transaction, window []CacheEntry) (factor *RiskFactor) {
	defer func() {
		if rec := recover(); rec != nil {
			analyzerFailures.WithLabelValues(a.name).Inc()
			e.logger.Warn("analyzer panicked", "analyzer", a.name, "transaction_id", tx.ID, "panic", rec)
			factor = nil
		}
	}()
	f, err := a.fn(tx, window)
	if err != nil {
		analyzerFailures.WithLabelValues(a.name).Inc()
		e.logger.Warn("analyzer failed", "analyzer", a.name, "transaction_id", tx.ID, "error", err)
		return nil
	}
	return f
}

// failSafe is the assessment returned when analysis itself fails. It scores
// nothing but always demands review.
func (e *Engine) failSafe(tx *Transaction) *Assessment {
	return &Assessment{
		ID:                   idgen.WithPrefix("asmt_"),
		TransactionID:        tx.ID,
		TotalRiskScore:       0,
		RiskLevel:            RiskLow,
		RiskFactors:          []RiskFactor{},
		TriggeredRules:       []string{},
		Recommendations:      []string{"Error in analysis - manual review recommended"},
		RequiresManualReview: true,
		EvaluatedAt:          time.Now(),
	}
}
