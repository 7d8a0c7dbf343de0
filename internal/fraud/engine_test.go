package fraud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	calls []*Assessment
}

func (c *captureSink) AssessmentCompleted(a *Assessment, tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, a)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stubTxStore struct {
	entries []CacheEntry
	err     error
}

func (s *stubTxStore) LoadRecent(ctx context.Context, since time.Time) ([]CacheEntry, error) {
	return s.entries, s.err
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// ---------------------------------------------------------------------------
// Analysis scenarios
// ---------------------------------------------------------------------------

func TestEngine_NormalTransaction(t *testing.T) {
	e := NewEngine()

	a := e.Analyze(context.Background(), tx(50))

	assert.Equal(t, "tx_1", a.TransactionID)
	assert.Equal(t, 0.0, a.TotalRiskScore)
	assert.Equal(t, RiskLow, a.RiskLevel)
	assert.False(t, a.RequiresManualReview)
	assert.Equal(t, []string{"Transaction appears normal - continue monitoring"}, a.Recommendations)
	assert.NotEmpty(t, a.ID)
}

func TestEngine_HighAmountNewEntity(t *testing.T) {
	e := NewEngine()

	a := e.Analyze(context.Background(), tx(9000))

	require.Len(t, a.RiskFactors, 1)
	assert.Equal(t, "High Amount - New Entity", a.RiskFactors[0].Name)
	assert.Equal(t, SeverityHigh, a.RiskFactors[0].Severity)
	assert.True(t, a.RequiresManualReview, "high severity factor forces review")
	assert.InDelta(t, 60.0, a.TotalRiskScore, 0.001) // 40 * 1.5
	assert.Equal(t, RiskMedium, a.RiskLevel)
}

func TestEngine_VelocityBurst(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	// 12 rapid transactions build up history and trip the velocity tiers
	var last *Assessment
	for i := 0; i < 12; i++ {
		last = e.Analyze(ctx, tx(10, func(tr *Transaction) {
			tr.ID = fmt.Sprintf("tx_%d", i)
			tr.Timestamp = baseTime.Add(time.Duration(i) * time.Second)
		}))
	}

	names := make([]string, 0, len(last.RiskFactors))
	for _, f := range last.RiskFactors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "High Velocity")
	assert.True(t, last.RequiresManualReview)
	assert.Equal(t, 12, e.Cache().Len("acct_1"))
}

func TestEngine_TwoTriggeredRulesForceReview(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()
	for _, r := range []Rule{amountRule("r1", 3, ">", 10), amountRule("r2", 3, ">", 20)} {
		rule := r
		require.NoError(t, store.CreateRule(ctx, &rule))
	}

	e := NewEngine().WithRuleStore(store)
	require.NoError(t, e.Start(ctx))

	a := e.Analyze(ctx, tx(100))

	assert.Len(t, a.TriggeredRules, 2)
	assert.True(t, a.RequiresManualReview, "two triggered rules force review")
	assert.Less(t, a.TotalRiskScore, 70.0, "review is not score-driven here")
}

func TestEngine_ScoreThresholdForcesReview(t *testing.T) {
	e := NewEngine().WithRiskThreshold(20)

	a := e.Analyze(context.Background(), tx(1500)) // medium factor, score 40*... below 70

	assert.GreaterOrEqual(t, a.TotalRiskScore, 20.0)
	assert.True(t, a.RequiresManualReview)
}

func TestEngine_RuleTriggerCountsRecorded(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()
	rule := amountRule("r1", 1, ">", 10)
	require.NoError(t, store.CreateRule(ctx, &rule))

	e := NewEngine().WithRuleStore(store)
	require.NoError(t, e.Start(ctx))

	e.Analyze(ctx, tx(100))

	waitUntil(t, func() bool {
		got, err := store.GetRule(ctx, "r1")
		return err == nil && got.TriggerCount == 1
	})
}

func TestEngine_AssessmentPersisted(t *testing.T) {
	store := NewMemoryAssessmentStore()
	e := NewEngine().WithAssessmentStore(store)
	ctx := context.Background()

	a := e.Analyze(ctx, tx(50))

	waitUntil(t, func() bool {
		got, err := store.GetByTransaction(ctx, "tx_1")
		return err == nil && got.ID == a.ID
	})
}

func TestEngine_AlertSinkCalledInline(t *testing.T) {
	sink := &captureSink{}
	e := NewEngine().WithAlertSink(sink)

	e.Analyze(context.Background(), tx(50))

	assert.Equal(t, 1, sink.count())
}

// ---------------------------------------------------------------------------
// Failure isolation
// ---------------------------------------------------------------------------

func TestEngine_AnalyzerPanicDropsOnlyItsFactor(t *testing.T) {
	e := NewEngine()

	f := e.runAnalyzer(analyzer{
		name: "exploding",
		fn: func(*Transaction, []CacheEntry) (*RiskFactor, error) {
			panic("boom")
		},
	}, tx(10), nil)

	assert.Nil(t, f)
}

func TestEngine_AnalyzerErrorDropsOnlyItsFactor(t *testing.T) {
	e := NewEngine()

	f := e.runAnalyzer(analyzer{
		name: "failing",
		fn: func(*Transaction, []CacheEntry) (*RiskFactor, error) {
			return nil, errors.New("no data")
		},
	}, tx(10), nil)

	assert.Nil(t, f)
}

func TestEngine_FailSafeAssessment(t *testing.T) {
	e := NewEngine()

	a := e.failSafe(tx(10))

	assert.Equal(t, "tx_1", a.TransactionID)
	assert.Equal(t, 0.0, a.TotalRiskScore)
	assert.Equal(t, RiskLow, a.RiskLevel)
	assert.Empty(t, a.RiskFactors)
	assert.Empty(t, a.TriggeredRules)
	assert.True(t, a.RequiresManualReview)
	assert.Equal(t, []string{"Error in analysis - manual review recommended"}, a.Recommendations)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestEngine_StartSeedsHistory(t *testing.T) {
	seed := []CacheEntry{
		{ID: "old_1", EntityID: "acct_1", Amount: decimal.NewFromInt(100), Timestamp: baseTime.Add(-time.Hour)},
		{ID: "old_2", EntityID: "acct_1", Amount: decimal.NewFromInt(110), Timestamp: baseTime.Add(-30 * time.Minute)},
	}
	e := NewEngine().WithTransactionStore(&stubTxStore{entries: seed})

	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, 2, e.Cache().Len("acct_1"))
	assert.True(t, e.Running())

	e.Stop(context.Background())
	assert.False(t, e.Running())
}

func TestEngine_StartToleratesSeedFailure(t *testing.T) {
	e := NewEngine().WithTransactionStore(&stubTxStore{err: errors.New("db down")})

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.Zero(t, e.Cache().Entities())
}

func TestEngine_ReloadRules(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()
	e := NewEngine().WithRuleStore(store)
	require.NoError(t, e.Start(ctx))
	assert.Empty(t, e.ActiveRules())

	rule := amountRule("r1", 1, ">", 100)
	require.NoError(t, store.CreateRule(ctx, &rule))
	require.NoError(t, e.ReloadRules(ctx))
	assert.Len(t, e.ActiveRules(), 1)

	require.NoError(t, store.DeactivateRule(ctx, "r1"))
	require.NoError(t, e.ReloadRules(ctx))
	assert.Empty(t, e.ActiveRules())
}

func TestEngine_ReloadWithoutStore(t *testing.T) {
	e := NewEngine()
	assert.NoError(t, e.ReloadRules(context.Background()))
}
