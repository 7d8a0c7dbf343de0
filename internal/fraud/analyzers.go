package fraud

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// defaultCountryRisk maps ISO country codes to a static risk weight.
// Codes not in the table carry the unknown-country weight.
var defaultCountryRisk = map[string]float64{
	"US": 0.1, "CA": 0.1, "GB": 0.1, "DE": 0.1, "FR": 0.1,
	"XX": 0.9, "YY": 0.8, "ZZ": 0.7,
}

const unknownCountryRisk = 0.3

// analyzerFunc evaluates one risk dimension of a transaction against a
// snapshot of the entity's history window. It returns at most one factor and
// is pure given its inputs: the same snapshot and transaction always yield
// the same result.
type analyzerFunc func(tx *Transaction, window []CacheEntry) (*RiskFactor, error)

type analyzer struct {
	name string
	fn   analyzerFunc
}

// analyzerSet bundles the built-in analyzers with their configured
// thresholds.
type analyzerSet struct {
	maxAmount   decimal.Decimal
	countryRisk map[string]float64
}

// newAnalyzerSet builds the analyzer set. Countries listed in highRisk are
// weighted 0.9 unless the static table already assigns them a weight.
func newAnalyzerSet(maxAmount decimal.Decimal, highRisk []string) *analyzerSet {
	risk := make(map[string]float64, len(defaultCountryRisk)+len(highRisk))
	for code, w := range defaultCountryRisk {
		risk[code] = w
	}
	for _, code := range highRisk {
		if _, ok := risk[code]; !ok {
			risk[code] = 0.9
		}
	}
	return &analyzerSet{maxAmount: maxAmount, countryRisk: risk}
}

func (s *analyzerSet) all() []analyzer {
	return []analyzer{
		{name: "amount", fn: s.analyzeAmount},
		{name: "velocity", fn: s.analyzeVelocity},
		{name: "geographic", fn: s.analyzeGeographic},
		{name: "temporal", fn: s.analyzeTemporal},
		{name: "device", fn: s.analyzeDevice},
	}
}

// analyzeAmount flags unusually large amounts. Checks run in order: the
// new-entity rule, the anomaly-vs-average rule, then the absolute ceiling;
// the first match wins.
func (s *analyzerSet) analyzeAmount(tx *Transaction, window []CacheEntry) (*RiskFactor, error) {
	amount := tx.Amount.InexactFloat64()

	if len(window) == 0 {
		if amount > 1000 {
			severity := SeverityMedium
			if amount >= 5000 {
				severity = SeverityHigh
			}
			return &RiskFactor{
				Name:        "High Amount - New Entity",
				Score:       min(amount/1000*20, 40),
				Description: fmt.Sprintf("Large transaction (%s) from entity with no history", tx.Amount.StringFixed(2)),
				Severity:    severity,
			}, nil
		}
		return nil, nil
	}

	sum := decimal.Zero
	for _, e := range window {
		sum = sum.Add(e.Amount)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(window)))).InexactFloat64()
	if mean <= 0 {
		// A zero-amount history makes the anomaly ratio meaningless.
		return nil, nil
	}

	if amount > mean*5 {
		severity := SeverityMedium
		if amount > mean*10 {
			severity = SeverityHigh
		}
		return &RiskFactor{
			Name:        "Amount Anomaly",
			Score:       min((amount/mean)*5, 35),
			Description: fmt.Sprintf("Amount %s is %.1fx the entity's average", tx.Amount.StringFixed(2), amount/mean),
			Severity:    severity,
		}, nil
	}

	if tx.Amount.GreaterThan(s.maxAmount) {
		return &RiskFactor{
			Name:        "High Value Transaction",
			Score:       40,
			Description: fmt.Sprintf("Amount exceeds the configured maximum (%s)", s.maxAmount.StringFixed(2)),
			Severity:    SeverityHigh,
		}, nil
	}

	return nil, nil
}

// analyzeVelocity flags bursts of transactions in the trailing hour, or a
// transaction arriving within a minute of the previous one. Only one
// velocity factor is returned per call, highest tier first.
func (s *analyzerSet) analyzeVelocity(tx *Transaction, window []CacheEntry) (*RiskFactor, error) {
	if len(window) == 0 {
		return nil, nil
	}

	hourAgo := tx.Timestamp.Add(-time.Hour)
	count := 0
	for _, e := range window {
		if !e.Timestamp.Before(hourAgo) {
			count++
		}
	}

	switch {
	case count >= 10:
		return &RiskFactor{
			Name:        "High Velocity",
			Score:       float64(30 + 3*(count-10)),
			Description: fmt.Sprintf("%d transactions in the last hour", count),
			Severity:    SeverityHigh,
		}, nil
	case count >= 5:
		return &RiskFactor{
			Name:        "Moderate Velocity",
			Score:       float64(15 + 2*(count-5)),
			Description: fmt.Sprintf("%d transactions in the last hour", count),
			Severity:    SeverityMedium,
		}, nil
	}

	if len(window) >= 2 {
		last := window[0].Timestamp
		for _, e := range window[1:] {
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
		if gap := tx.Timestamp.Sub(last); gap >= 0 && gap < time.Minute {
			return &RiskFactor{
				Name:        "Rapid Transactions",
				Score:       25,
				Description: fmt.Sprintf("Transaction within %.0f seconds of the previous one", gap.Seconds()),
				Severity:    SeverityMedium,
			}, nil
		}
	}

	return nil, nil
}

// analyzeGeographic flags transactions from high-risk countries, or from a
// country the entity has never recently transacted in. The country-risk check
// takes precedence over the anomaly check.
func (s *analyzerSet) analyzeGeographic(tx *Transaction, window []CacheEntry) (*RiskFactor, error) {
	weight, ok := s.countryRisk[tx.CountryCode]
	if !ok {
		weight = unknownCountryRisk
	}

	if weight > 0.5 {
		severity := SeverityMedium
		if weight > 0.8 {
			severity = SeverityHigh
		}
		return &RiskFactor{
			Name:        "High Risk Country",
			Score:       weight * 40,
			Description: fmt.Sprintf("Transaction from high-risk country %s", tx.CountryCode),
			Severity:    severity,
		}, nil
	}

	if tx.CountryCode == "" || len(window) == 0 {
		return nil, nil
	}

	recent := lastN(window, 10)
	counts := make(map[string]int, len(recent))
	mostCommon := ""
	for _, e := range recent {
		counts[e.CountryCode]++
		if counts[e.CountryCode] > counts[mostCommon] {
			mostCommon = e.CountryCode
		}
	}
	if _, seen := counts[tx.CountryCode]; tx.CountryCode != mostCommon && !seen {
		return &RiskFactor{
			Name:        "Geographic Anomaly",
			Score:       20,
			Description: fmt.Sprintf("Transaction from unusual country %s", tx.CountryCode),
			Severity:    SeverityMedium,
		}, nil
	}

	return nil, nil
}

// analyzeTemporal flags off-hours (23:00-06:59) and weekend transactions.
// Off-hours takes precedence; at most one factor per call.
func (s *analyzerSet) analyzeTemporal(tx *Transaction, _ []CacheEntry) (*RiskFactor, error) {
	hour := tx.Timestamp.Hour()
	if hour >= 23 || hour <= 6 {
		return &RiskFactor{
			Name:        "Off-Hours Transaction",
			Score:       15,
			Description: fmt.Sprintf("Transaction at %s (off-hours)", tx.Timestamp.Format("15:04")),
			Severity:    SeverityLow,
		}, nil
	}

	if wd := tx.Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return &RiskFactor{
			Name:        "Weekend Transaction",
			Score:       10,
			Description: fmt.Sprintf("Transaction on %s", wd),
			Severity:    SeverityLow,
		}, nil
	}

	return nil, nil
}

// analyzeDevice flags a device identifier absent from the entity's recent
// history, falling back to an IP-address novelty check.
func (s *analyzerSet) analyzeDevice(tx *Transaction, window []CacheEntry) (*RiskFactor, error) {
	if len(window) == 0 {
		return nil, nil
	}

	if tx.DeviceID != "" {
		known := false
		for _, e := range lastN(window, 20) {
			if e.DeviceID == tx.DeviceID {
				known = true
				break
			}
		}
		if !known {
			return &RiskFactor{
				Name:        "New Device",
				Score:       20,
				Description: fmt.Sprintf("Transaction from unrecognized device %s", truncate(tx.DeviceID, 10)),
				Severity:    SeverityMedium,
			}, nil
		}
	}

	if tx.IPAddress != "" {
		known := false
		for _, e := range lastN(window, 10) {
			if e.IPAddress == tx.IPAddress {
				known = true
				break
			}
		}
		if !known {
			return &RiskFactor{
				Name:        "New IP Address",
				Score:       15,
				Description: "Transaction from unrecognized IP address",
				Severity:    SeverityLow,
			}, nil
		}
	}

	return nil, nil
}

// lastN returns the most recent n entries of an arrival-ordered window.
func lastN(window []CacheEntry, n int) []CacheEntry {
	if len(window) <= n {
		return window
	}
	return window[len(window)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
