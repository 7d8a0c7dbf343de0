package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sentineldata/fraudwatch/internal/alerts"
	"github.com/sentineldata/fraudwatch/internal/fraud"
	"github.com/sentineldata/fraudwatch/internal/idgen"
	"github.com/sentineldata/fraudwatch/internal/logging"
	"github.com/sentineldata/fraudwatch/internal/metrics"
	"github.com/sentineldata/fraudwatch/internal/pagination"
	"github.com/sentineldata/fraudwatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
		"subsystems": statuses,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "fraudwatch",
		"version": "1.0.0",
		"endpoints": gin.H{
			"assessments": "/v1/assessments",
			"rules":       "/v1/rules",
			"alerts":      "/v1/alerts",
			"dashboard":   "/v1/metrics/dashboard",
			"websocket":   "/ws",
			"health":      "/health",
			"metrics":     "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Assessments
// -----------------------------------------------------------------------------

type assessRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	EntityID      string `json:"entityId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Timestamp     string `json:"timestamp"`
	Location      string `json:"location"`
	CountryCode   string `json:"countryCode"`
	DeviceID      string `json:"deviceId"`
	IPAddress     string `json:"ipAddress"`
	Type          string `json:"type"`
}

func (s *Server) assessTransaction(c *gin.Context) {
	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidID("transactionId", req.TransactionID),
		validation.ValidID("entityId", req.EntityID),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("location", req.Location, 200),
		validation.MaxLength("deviceId", req.DeviceID, 200),
	}
	if req.CountryCode != "" {
		validators = append(validators, validation.ValidCountry("countryCode", req.CountryCode))
	}
	if req.IPAddress != "" {
		validators = append(validators, validation.ValidIP("ipAddress", req.IPAddress))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a decimal number",
		})
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_timestamp",
				"message": "timestamp must be RFC 3339",
			})
			return
		}
		ts = parsed.UTC()
	}

	tx := &fraud.Transaction{
		ID:          req.TransactionID,
		EntityID:    req.EntityID,
		Amount:      amount,
		Timestamp:   ts,
		Location:    validation.SanitizeString(req.Location, 200),
		CountryCode: validation.SanitizeCountryCode(req.CountryCode),
		DeviceID:    validation.SanitizeString(req.DeviceID, 200),
		IPAddress:   req.IPAddress,
		Type:        validation.SanitizeString(req.Type, 50),
	}

	metrics.TransactionsIngestedTotal.Inc()

	// Persist the raw transaction so the history cache survives restarts.
	if s.txStore != nil {
		go func(tx fraud.Transaction) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.txStore.RecordTransaction(ctx, &tx); err != nil {
				s.logger.Warn("failed to record transaction", "transaction_id", tx.ID, "error", err)
			}
		}(*tx)
	}

	assessment := s.engine.Analyze(c.Request.Context(), tx)

	c.JSON(http.StatusOK, assessment)
}

func (s *Server) listRecentAssessments(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 500)

	assessments, err := s.assessmentStore.ListRecent(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list assessments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

func (s *Server) getAssessmentByTransaction(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	assessment, err := s.assessmentStore.GetByTransaction(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, fraud.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "no assessment recorded for transaction",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get assessment", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

type ruleRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Type        fraud.RuleType  `json:"type" binding:"required"`
	Condition   fraud.Condition `json:"condition"`
	Priority    int             `json:"priority"`
	Active      *bool           `json:"active"`
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.ruleStore.ListRules(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	rule := &fraud.Rule{
		ID:          idgen.WithPrefix("rule_"),
		Name:        validation.SanitizeString(req.Name, 200),
		Description: validation.SanitizeString(req.Description, 1000),
		Type:        req.Type,
		Condition:   req.Condition,
		Priority:    req.Priority,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Priority == 0 {
		rule.Priority = 3
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := fraud.ValidateRule(rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}

	if err := s.ruleStore.CreateRule(c.Request.Context(), rule); err != nil {
		logging.L(c.Request.Context()).Error("failed to create rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	// Pick up the new rule on the hot path straight away.
	if err := s.engine.ReloadRules(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Warn("rule reload after create failed", "error", err)
	}

	c.JSON(http.StatusCreated, rule)
}

func (s *Server) getRule(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	rule, err := s.ruleStore.GetRule(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, fraud.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	existing, err := s.ruleStore.GetRule(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, fraud.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	rule := &fraud.Rule{
		ID:           existing.ID,
		Name:         validation.SanitizeString(req.Name, 200),
		Description:  validation.SanitizeString(req.Description, 1000),
		Type:         req.Type,
		Condition:    req.Condition,
		Priority:     req.Priority,
		Active:       existing.Active,
		TriggerCount: existing.TriggerCount,
		CreatedAt:    existing.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
	}
	if req.Priority == 0 {
		rule.Priority = existing.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := fraud.ValidateRule(rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}

	if err := s.ruleStore.UpdateRule(c.Request.Context(), rule); err != nil {
		if errors.Is(err, fraud.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to update rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := s.engine.ReloadRules(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Warn("rule reload after update failed", "error", err)
	}

	c.JSON(http.StatusOK, rule)
}

func (s *Server) deactivateRule(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	if err := s.ruleStore.DeactivateRule(c.Request.Context(), id); err != nil {
		if errors.Is(err, fraud.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to deactivate rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := s.engine.ReloadRules(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Warn("rule reload after deactivate failed", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
}

func (s *Server) reloadRules(c *gin.Context) {
	if err := s.engine.ReloadRules(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("rule reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "reloaded",
		"activeRules": len(s.engine.ActiveRules()),
	})
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

func (s *Server) listAlerts(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 500)
	f := alerts.Filter{
		Severity:   fraud.Severity(c.Query("severity")),
		Status:     alerts.Status(c.Query("status")),
		AssignedTo: c.Query("assignedTo"),
		Limit:      limit + 1, // one extra row to detect another page
	}

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
			return
		}
		f.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return
		}
		f.To = t
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	if cur != nil {
		// Resume strictly past the cursor row, keeping alerts that share
		// its timestamp.
		f.CursorTime = cur.CreatedAt
		f.CursorID = cur.ID
	}

	list, err := s.alertStore.List(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	page, next, more := pagination.ComputePage(list, limit, func(a *alerts.Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"alerts":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

func (s *Server) getAlert(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	alert, err := s.alertStore.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get alert", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, alert)
}

type alertStatusRequest struct {
	Status     alerts.Status `json:"status" binding:"required"`
	AssignedTo string        `json:"assignedTo"`
}

func (s *Server) setAlertStatus(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	var req alertStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of: open, in_progress, resolved, dismissed",
		})
		return
	}

	if err := s.alertStore.SetStatus(c.Request.Context(), id, req.Status, validation.SanitizeString(req.AssignedTo, 100)); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to update alert status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	s.webhookEmitter.EmitAlertStatusChanged(id, string(req.Status), req.AssignedTo)

	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// -----------------------------------------------------------------------------
// Realtime stats
// -----------------------------------------------------------------------------

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
