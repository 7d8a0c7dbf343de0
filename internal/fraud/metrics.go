package fraud

import "github.com/prometheus/client_golang/prometheus"

var (
	assessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "assessments_total",
		Help:      "Total transaction assessments by resulting risk level.",
	}, []string{"risk_level"})

	manualReviewTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "manual_review_total",
		Help:      "Total assessments flagged for manual review.",
	})

	analyzerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "analyzer_failures_total",
		Help:      "Total recovered analyzer failures by analyzer name.",
	}, []string{"analyzer"})

	ruleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "rule_failures_total",
		Help:      "Total rules skipped due to evaluation errors.",
	})

	ruleReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "rule_reloads_total",
		Help:      "Total successful rule set reloads.",
	})

	assessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraudwatch",
		Subsystem: "engine",
		Name:      "assessment_duration_seconds",
		Help:      "Time spent assessing a single transaction.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		assessmentsTotal,
		manualReviewTotal,
		analyzerFailures,
		ruleFailures,
		ruleReloads,
		assessmentDuration,
	)
}
