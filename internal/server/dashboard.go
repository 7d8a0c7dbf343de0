package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sentineldata/fraudwatch/internal/fraud"
	"github.com/sentineldata/fraudwatch/internal/logging"
)

// dashboardHandler aggregates operational stats for monitoring UIs. Assessment
// numbers are computed over the most recent window rather than all time.
func (s *Server) dashboardHandler(c *gin.Context) {
	ctx := c.Request.Context()

	recent, err := s.assessmentStore.ListRecent(ctx, 500)
	if err != nil {
		logging.L(ctx).Error("failed to load recent assessments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	byLevel := map[fraud.RiskLevel]int{
		fraud.RiskLow:    0,
		fraud.RiskMedium: 0,
		fraud.RiskHigh:   0,
	}
	var totalScore float64
	manualReview := 0
	for _, a := range recent {
		byLevel[a.RiskLevel]++
		totalScore += a.TotalRiskScore
		if a.RequiresManualReview {
			manualReview++
		}
	}

	avgScore := 0.0
	if len(recent) > 0 {
		avgScore = totalScore / float64(len(recent))
	}

	activeAlerts, err := s.alertStore.CountActive(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to count active alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": gin.H{
			"recent":           len(recent),
			"byRiskLevel":      byLevel,
			"averageRiskScore": avgScore,
			"manualReview":     manualReview,
		},
		"alerts": gin.H{
			"active": activeAlerts,
		},
		"rules": gin.H{
			"active": len(s.engine.ActiveRules()),
		},
		"cache": gin.H{
			"entities": s.engine.Cache().Entities(),
		},
		"realtime": s.realtimeHub.Stats(),
	})
}
