// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/sentineldata/fraudwatch/internal/alerts"
	"github.com/sentineldata/fraudwatch/internal/config"
	"github.com/sentineldata/fraudwatch/internal/fraud"
	"github.com/sentineldata/fraudwatch/internal/health"
	"github.com/sentineldata/fraudwatch/internal/logging"
	"github.com/sentineldata/fraudwatch/internal/metrics"
	"github.com/sentineldata/fraudwatch/internal/ratelimit"
	"github.com/sentineldata/fraudwatch/internal/realtime"
	"github.com/sentineldata/fraudwatch/internal/security"
	"github.com/sentineldata/fraudwatch/internal/validation"
	"github.com/sentineldata/fraudwatch/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	engine          *fraud.Engine
	ruleStore       fraud.RuleStore
	assessmentStore fraud.AssessmentStore
	txStore         *fraud.PostgresTransactionStore // nil if using in-memory
	alertStore      alerts.Store
	emitter         *alerts.Emitter
	webhookStore    webhooks.Store
	webhookDisp     *webhooks.Dispatcher
	webhookEmitter  *webhooks.Emitter
	realtimeHub     *realtime.Hub
	healthReg       *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ruleStore := fraud.NewPostgresRuleStore(db)
		if err := ruleStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate rules: %w", err)
		}
		assessmentStore := fraud.NewPostgresAssessmentStore(db)
		if err := assessmentStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate assessments: %w", err)
		}
		txStore := fraud.NewPostgresTransactionStore(db)
		if err := txStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate transactions: %w", err)
		}
		alertStore := alerts.NewPostgresStore(db)
		if err := alertStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate alerts: %w", err)
		}
		webhookStore := webhooks.NewPostgresStore(db)
		if err := webhookStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate webhooks: %w", err)
		}

		s.ruleStore = ruleStore
		s.assessmentStore = assessmentStore
		s.txStore = txStore
		s.alertStore = alertStore
		s.webhookStore = webhookStore
	} else {
		s.ruleStore = fraud.NewMemoryRuleStore()
		s.assessmentStore = fraud.NewMemoryAssessmentStore()
		s.alertStore = alerts.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook delivery for external consumers
	s.webhookDisp = webhooks.NewDispatcher(s.webhookStore)
	s.webhookEmitter = webhooks.NewEmitter(s.webhookDisp, s.logger)

	// Alert emitter feeds the store, live subscribers, and webhooks
	s.emitter = alerts.NewEmitter(s.alertStore, &hubBroadcaster{hub: s.realtimeHub, wh: s.webhookEmitter}, s.logger).
		WithAttempts(cfg.AlertRetryAttempts)

	// Fraud engine
	maxAmount, err := decimal.NewFromString(cfg.MaxTransactionAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_TRANSACTION_AMOUNT: %w", err)
	}
	s.engine = fraud.NewEngine().
		WithLogger(s.logger).
		WithRiskThreshold(cfg.RiskThreshold).
		WithLimits(maxAmount, cfg.HighRiskCountries).
		WithVelocityWindow(time.Duration(cfg.VelocityWindowMinutes) * time.Minute).
		WithSeedWindow(time.Duration(cfg.CacheSeedHours) * time.Hour).
		WithRuleStore(s.ruleStore).
		WithAssessmentStore(s.assessmentStore).
		WithAlertSink(&assessmentSink{emitter: s.emitter, hub: s.realtimeHub, wh: s.webhookEmitter})
	if s.txStore != nil {
		s.engine = s.engine.WithTransactionStore(s.txStore)
	}

	// Health checkers
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("engine", func(ctx context.Context) health.Status {
		if !s.engine.Running() {
			return health.Status{Name: "engine", Healthy: false, Detail: "not started"}
		}
		return health.Status{Name: "engine", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Sinks
// -----------------------------------------------------------------------------

// assessmentSink fans completed assessments out to the alert emitter, the
// realtime hub, and webhook subscribers. Implements fraud.AlertSink.
type assessmentSink struct {
	emitter *alerts.Emitter
	hub     *realtime.Hub
	wh      *webhooks.Emitter
}

func (s *assessmentSink) AssessmentCompleted(a *fraud.Assessment, tx *fraud.Transaction) {
	if s.hub != nil {
		s.hub.BroadcastAssessment(map[string]interface{}{
			"transactionId": a.TransactionID,
			"entityId":      tx.EntityID,
			"riskScore":     a.TotalRiskScore,
			"riskLevel":     string(a.RiskLevel),
			"manualReview":  a.RequiresManualReview,
		})
	}
	if a.RequiresManualReview {
		names := make([]string, len(a.RiskFactors))
		for i, f := range a.RiskFactors {
			names[i] = f.Name
		}
		s.wh.EmitAssessmentFlagged(a.TransactionID, tx.EntityID, string(a.RiskLevel), a.TotalRiskScore, names)
	}
	if s.emitter != nil {
		s.emitter.AssessmentCompleted(a, tx)
	}
}

// hubBroadcaster adapts the realtime hub to alerts.Broadcaster and forwards
// new alerts to webhook subscribers.
type hubBroadcaster struct {
	hub *realtime.Hub
	wh  *webhooks.Emitter
}

func (b *hubBroadcaster) BroadcastAlert(alert *alerts.Alert) {
	b.hub.BroadcastAlert(map[string]interface{}{
		"id":            alert.ID,
		"transactionId": alert.TransactionID,
		"entityId":      alert.EntityID,
		"title":         alert.Title,
		"severity":      string(alert.Severity),
		"riskScore":     alert.RiskScore,
		"status":        string(alert.Status),
	})
	b.wh.EmitAlertCreated(alert.ID, alert.TransactionID, alert.EntityID, string(alert.Severity), alert.RiskScore)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Assessments
	v1.POST("/assessments", s.assessTransaction)
	v1.GET("/assessments/recent", s.listRecentAssessments)
	v1.GET("/transactions/:id/assessment", s.getAssessmentByTransaction)

	// Rule management
	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.createRule)
	v1.POST("/rules/reload", s.reloadRules)
	v1.GET("/rules/:id", s.getRule)
	v1.PUT("/rules/:id", s.updateRule)
	v1.DELETE("/rules/:id", s.deactivateRule)

	// Alerts
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/alerts/:id", s.getAlert)
	v1.POST("/alerts/:id/status", s.setAlertStatus)

	// Webhook subscriptions
	webhooks.NewHandler(s.webhookStore, s.webhookDisp).RegisterRoutes(v1)

	// Dashboard
	v1.GET("/metrics/dashboard", s.dashboardHandler)
	v1.GET("/stats/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Load rules and seed the history cache
	if err := s.engine.Start(runCtx); err != nil {
		s.logger.Error("engine start failed", "error", err)
	}

	// Periodic DB stats collection
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the engine
	s.engine.Stop(ctx)

	// Drain queued alerts before closing stores
	if s.emitter != nil {
		s.emitter.Close()
		s.logger.Info("alert emitter stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the fraud engine for testing
func (s *Server) Engine() *fraud.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
