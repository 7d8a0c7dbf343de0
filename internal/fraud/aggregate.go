package fraud

import "strings"

// aggregateScore folds individual factor scores into a total in [0, 100].
// Each score is weighted by its severity multiplier; totals past 100 are
// pulled back with diminishing returns so stacked factors cannot inflate
// the score without bound.
func aggregateScore(factors []RiskFactor) float64 {
	if len(factors) == 0 {
		return 0
	}
	total := 0.0
	for _, f := range factors {
		total += f.Score * f.Severity.Multiplier()
	}
	if total > 100 {
		total = 100 - (100-total)*0.1
	}
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return total
}

// riskLevel classifies a total score.
func riskLevel(score float64) RiskLevel {
	switch {
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// recommendations derives operator guidance from the score band, then adds
// category-specific advice keyed off the factor names.
func recommendations(factors []RiskFactor, score float64) []string {
	var recs []string
	switch {
	case score >= 80:
		recs = append(recs,
			"IMMEDIATE ACTION: Block transaction and investigate",
			"Contact customer to verify transaction")
	case score >= 60:
		recs = append(recs,
			"Hold transaction for manual review",
			"Investigate entity's recent activity pattern")
	case score >= 40:
		recs = append(recs,
			"Monitor entity for additional suspicious activity",
			"Review transaction against entity's historical patterns")
	default:
		recs = append(recs, "Transaction appears normal - continue monitoring")
	}

	hasCategory := func(substr string) bool {
		for _, f := range factors {
			if strings.Contains(f.Name, substr) {
				return true
			}
		}
		return false
	}
	if hasCategory("Velocity") {
		recs = append(recs, "Implement velocity controls for this entity")
	}
	if hasCategory("Geographic") {
		recs = append(recs, "Verify entity's current location")
	}
	if hasCategory("Device") {
		recs = append(recs, "Implement additional device authentication")
	}
	if hasCategory("Amount") {
		recs = append(recs, "Verify source of funds for large transactions")
	}
	return recs
}
