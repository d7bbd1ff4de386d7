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
	"github.com/tavolo/paycore/internal/config"
	"github.com/tavolo/paycore/internal/dispatch"
	"github.com/tavolo/paycore/internal/ingest"
	"github.com/tavolo/paycore/internal/intent"
	"github.com/tavolo/paycore/internal/logging"
	"github.com/tavolo/paycore/internal/metrics"
	"github.com/tavolo/paycore/internal/mobile"
	"github.com/tavolo/paycore/internal/orderref"
	"github.com/tavolo/paycore/internal/provider"
	"github.com/tavolo/paycore/internal/ratelimit"
	"github.com/tavolo/paycore/internal/realtime"
	"github.com/tavolo/paycore/internal/security"
	"github.com/tavolo/paycore/internal/validation"
)

const webhookPath = "/v1/payments/webhook"

// OrderStores bundles the downstream order-store capabilities the dispatcher
// writes payment outcomes into. Production deployments inject the site's real
// stores; the default is a shared in-memory implementation.
type OrderStores struct {
	Reservations dispatch.ReservationStore
	Tables       dispatch.TableStore
	Deliveries   dispatch.DeliveryStore
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	provider     *provider.Client
	ledger       *intent.Ledger
	sweeper      *intent.Sweeper
	selector     *mobile.Selector
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	orders       *OrderStores
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithOrderStores injects the downstream order stores (for production wiring
// and testing)
func WithOrderStores(stores OrderStores) Option {
	return func(s *Server) {
		s.orders = &stores
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/order stores)
	for _, opt := range opts {
		opt(s)
	}

	ttl := time.Duration(cfg.CheckoutTTLMinutes) * time.Minute

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store intent.Store
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
		store = intent.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = intent.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Order stores: default to the in-memory implementation when nothing
	// was injected
	if s.orders == nil {
		mem := dispatch.NewMemoryOrders()
		s.orders = &OrderStores{Reservations: mem, Tables: mem, Deliveries: mem}
		s.logger.Info("using in-memory order stores")
	}
	dispatcher := dispatch.NewDispatcher(
		s.orders.Reservations,
		s.orders.Tables,
		s.orders.Deliveries,
		s.logger,
	)

	// Provider adapter; missing credentials switch it into degraded mode
	s.provider = provider.New(cfg.Provider, ttl, s.logger)
	if s.provider.Available() {
		s.logger.Info("payment provider configured", "url", cfg.Provider.APIBaseURL)
	} else {
		s.logger.Warn("payment provider not configured, checkouts will be degraded")
	}

	// Realtime hub broadcasts intent transitions to WebSocket clients
	s.realtimeHub = realtime.NewHub(s.logger)

	// The intent ledger is the single writer for payment state
	s.ledger = intent.NewLedger(store, dispatcher, ttl, s.logger,
		intent.WithNotifier(s.realtimeHub.BroadcastTransition),
	)
	s.sweeper = intent.NewSweeper(s.ledger, s.logger)

	// Mobile channel selection for checkout responses
	s.selector = mobile.NewSelector(
		cfg.AffiliateKey,
		cfg.SiteBaseURL+"/v1/payments/return",
		time.Duration(cfg.DeepLinkFallbackMS)*time.Millisecond,
	)

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

	// Rate limiting; the provider webhook is exempt so its retries are
	// never throttled into lost confirmations
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	limiterCfg.SkipPaths = []string{webhookPath}
	s.rateLimiter = ratelimit.New(limiterCfg)
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time status streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Checkout creation
	v1.POST("/checkouts", s.createCheckout)

	// Payment signal ingestion (webhook, browser callback, deep-link
	// return, status poll)
	ingestHandler := ingest.NewHandler(s.ledger, s.provider, s.cfg.Provider.WebhookSecret, s.cfg.SiteBaseURL)
	ingestHandler.RegisterRoutes(v1)
}

// CheckoutRequest is the body of POST /v1/checkouts.
type CheckoutRequest struct {
	Amount      int64  `json:"amount"` // minor units
	Currency    string `json:"currency"`
	Description string `json:"description"`
	RedirectURL string `json:"redirectUrl"`
	Reference   string `json:"reference"`
}

// createCheckout handles POST /v1/checkouts: registers a hosted checkout with
// the provider, records the PENDING intent, and returns the channel plan for
// the requesting device.
func (s *Server) createCheckout(c *gin.Context) {
	ctx := c.Request.Context()

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.Currency = validation.SanitizeString(req.Currency, 3)

	if errs := validation.Validate(
		validation.Required("reference", req.Reference),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ref := orderref.Decode(req.Reference)
	if !ref.Resolved() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "reference must be RESERVATION_<id>, TABLE_<table>_<order>, or DELIVERY_<id>",
		})
		return
	}

	redirectURL := req.RedirectURL
	if redirectURL == "" {
		redirectURL = s.cfg.SiteBaseURL + "/v1/payments/callback"
	} else if err := security.ValidateRedirectURL(redirectURL, s.redirectHosts()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_redirect_url",
			"message": err.Error(),
		})
		return
	}

	handle, err := s.provider.CreateCheckout(ctx, provider.CheckoutRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		RedirectURL: redirectURL,
		Reference:   ref.String(),
	})
	if err != nil {
		logging.L(ctx).Error("provider checkout failed",
			"reference", ref.String(),
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_error",
			"message": "Failed to create checkout with payment provider",
		})
		return
	}

	it := &intent.Intent{
		ID:        handle.ID,
		Reference: ref,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    intent.StatusPending,
		Degraded:  handle.Degraded,
		ExpiresAt: handle.ExpiresAt,
	}
	if err := s.ledger.Create(ctx, it); err != nil {
		if errors.Is(err, intent.ErrIntentExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "checkout_exists",
				"message": "A checkout with this id already exists",
			})
			return
		}
		logging.L(ctx).Error("failed to record intent",
			"intentId", handle.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record checkout",
		})
		return
	}

	device := mobile.ClassifyDevice(c.GetHeader("User-Agent"))
	plan := s.selector.Plan(device, it)

	logging.L(ctx).Info("checkout created",
		"intentId", it.ID,
		"kind", ref.Kind,
		"amount", it.Amount,
		"currency", it.Currency,
		"device", device.String(),
		"degraded", it.Degraded,
	)

	c.JSON(http.StatusCreated, gin.H{
		"id":        it.ID,
		"status":    it.Status,
		"amount":    it.Amount,
		"currency":  it.Currency,
		"expiresAt": it.ExpiresAt,
		"degraded":  it.Degraded,
		"channel":   plan,
	})
}

// redirectHosts returns the allowed hosts for client-supplied redirect URLs:
// only the site's own host.
func (s *Server) redirectHosts() []string {
	u, err := url.Parse(s.cfg.SiteBaseURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return []string{u.Hostname()}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	if s.provider.Available() {
		checks["provider"] = "live"
	} else {
		// Degraded mode is an accepted operating state, not a failure
		checks["provider"] = "degraded"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paycore",
		"description": "Payment completion reconciliation for restaurant orders",
		"version":     "0.1.0",
	})
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

	// Start expiry sweeper
	go s.sweeper.Start(runCtx)

	// DB pool stats for the dashboard
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeper)
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

	// Stop expiry sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
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
