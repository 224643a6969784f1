// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/taskmarket/internal/accounts"
	"github.com/mbd888/taskmarket/internal/auth"
	"github.com/mbd888/taskmarket/internal/circuitbreaker"
	"github.com/mbd888/taskmarket/internal/config"
	"github.com/mbd888/taskmarket/internal/escrow"
	"github.com/mbd888/taskmarket/internal/health"
	"github.com/mbd888/taskmarket/internal/idgen"
	"github.com/mbd888/taskmarket/internal/ledger"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/metrics"
	"github.com/mbd888/taskmarket/internal/payments"
	"github.com/mbd888/taskmarket/internal/ratelimit"
	"github.com/mbd888/taskmarket/internal/realtime"
	"github.com/mbd888/taskmarket/internal/security"
	"github.com/mbd888/taskmarket/internal/syncutil"
	"github.com/mbd888/taskmarket/internal/validation"
	"github.com/mbd888/taskmarket/internal/webhooks"
	"github.com/mbd888/taskmarket/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// Circuit breaker tuning shared by the gateway and the effect dispatcher.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	authMgr     *auth.Manager
	accounts    *accounts.Directory
	ledger      *ledger.Ledger
	webhookRepo webhooks.Store
	webhooks    *webhooks.Dispatcher
	realtimeHub *realtime.Hub
	gateway     escrow.PaymentGateway
	escrowStore escrow.Store
	coordinator *escrow.Coordinator
	dispatcher  *escrow.Dispatcher
	escrowTimer *escrow.Timer
	health      *health.Registry

	rateLimiter     *ratelimit.Limiter
	mutationLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithGateway replaces the payment gateway (for testing)
func WithGateway(g escrow.PaymentGateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	breaker := circuitbreaker.New(breakerThreshold, breakerCooldown)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		accountStore accounts.Store
		ledgerStore  ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
			s.logger.Info("database migrations applied")
		}

		authStore = auth.NewPostgresStore(db)
		accountStore = accounts.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		s.webhookRepo = webhooks.NewPostgresStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
	} else {
		authStore = auth.NewMemoryStore()
		accountStore = accounts.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.webhookRepo = webhooks.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Sweep lease: shared through Redis when several instances run
	var lease syncutil.Lease = syncutil.LocalLease{}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		lease = syncutil.NewRedisLease(s.redis, "taskmarket:lease:")
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("redis sweep lease enabled")
	}

	s.authMgr = auth.NewManager(authStore)
	s.accounts = accounts.NewDirectory(accountStore, s.logger)
	s.ledger = ledger.New(ledgerStore, ledger.WithLogger(s.logger))

	// Notification fan-out: signed webhooks plus the websocket hub
	s.webhooks = webhooks.NewDispatcher(s.webhookRepo,
		webhooks.WithSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret),
		webhooks.WithLogger(s.logger),
	)
	s.realtimeHub = realtime.NewHub(s.logger)
	notifier := escrow.MultiNotifier{s.webhooks, s.realtimeHub}

	// Payment gateway
	if s.gateway == nil {
		switch {
		case cfg.StripeSecretKey != "":
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.Currency, breaker, s.logger)
			s.logger.Info("stripe payment verification enabled")
		default:
			s.gateway = payments.NewMemoryGateway(true)
			s.logger.Warn("no STRIPE_SECRET_KEY: every payment reference is accepted")
		}
	}

	// Escrow engine
	policy := escrow.Policy{
		Commission:   cfg.Commission,
		Cancellation: cfg.Cancellation,
		GracePeriod:  cfg.GracePeriod,
	}
	s.dispatcher = escrow.NewDispatcher(s.escrowStore, s.ledger, notifier, breaker, s.logger,
		escrow.DispatcherConfig{Interval: cfg.DispatchInterval, Lease: lease})
	s.coordinator = escrow.NewCoordinator(s.escrowStore, s.gateway, s.accounts, s.accounts,
		escrow.WithPolicy(policy),
		escrow.WithLogger(s.logger),
		escrow.WithDispatcher(s.dispatcher),
		escrow.WithArbiters(s.authMgr),
	)
	s.escrowTimer = escrow.NewTimer(s.coordinator, s.escrowStore, lease,
		cfg.SweepInterval, cfg.SweepBatch, s.logger)
	s.health.Register("escrow_timer", health.Worker("escrow_timer", s.escrowTimer.Running))
	s.health.Register("effect_dispatcher", health.Worker("effect_dispatcher", s.dispatcher.Running))
	s.logger.Info("escrow engine configured",
		"grace_period", cfg.GracePeriod.String(),
		"sweep_interval", cfg.SweepInterval.String(),
		"dispatch_interval", cfg.DispatchInterval.String(),
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

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if user := auth.CurrentUser(c); user != "" {
			attrs = append(attrs, "user_id", user)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// mutating applies l only to requests that change state.
func mutating(l *ratelimit.Limiter) gin.HandlerFunc {
	limit := l.Middleware()
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			limit(c)
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

	s.rateLimiter = ratelimit.New("api", ratelimit.DefaultConfig())
	s.mutationLimiter = ratelimit.New("mutation", ratelimit.MutationConfig())

	authHandler := auth.NewHandler(s.authMgr)
	escrowHandler := escrow.NewHandler(s.coordinator)
	ledgerHandler := ledger.NewHandler(s.ledger)
	webhookHandler := webhooks.NewHandler(s.webhookRepo)
	accountsHandler := accounts.NewHandler(s.accounts)

	// V1 API group: keys are resolved for every request, required below
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.GET("/auth/info", authHandler.Info)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Middleware(), mutating(s.mutationLimiter))
	{
		authHandler.RegisterRoutes(protected)
		escrowHandler.RegisterRoutes(protected)
		ledgerHandler.RegisterRoutes(protected)
		webhookHandler.RegisterRoutes(protected)
		s.realtimeHub.RegisterRoutes(protected)
	}

	// Arbiter routes (disputes and rulings)
	escrowHandler.RegisterArbiterRoutes(protected.Group("/arbiter"))

	// Operator routes guarded by ADMIN_SECRET
	admin := s.router.Group("/admin")
	admin.Use(auth.AdminAuth(s.cfg.AdminSecret))
	{
		authHandler.RegisterAdminRoutes(admin)
		accountsHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		s.realtimeHub.RegisterAdminRoutes(admin)
		admin.POST("/escrow/sweep", s.sweepHandler)
		admin.POST("/escrow/dispatch", s.dispatchHandler)
		admin.POST("/escrow/effects/:id/requeue", validation.IDParamMiddleware("id"), s.requeueHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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

// sweepHandler runs one auto-release pass on demand.
func (s *Server) sweepHandler(c *gin.Context) {
	released, err := s.escrowTimer.Sweep(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// dispatchHandler retries due outbox effects on demand.
func (s *Server) dispatchHandler(c *gin.Context) {
	delivered, err := s.dispatcher.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Dispatch failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

// requeueHandler returns a dead outbox effect to the retry queue.
func (s *Server) requeueHandler(c *gin.Context) {
	id := c.Param("id")
	err := s.dispatcher.Requeue(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"requeued": id})
	case errors.Is(err, escrow.ErrEffectNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Effect not found",
		})
	case errors.Is(err, escrow.ErrEffectNotDead):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "effect_not_dead",
			"message": "Only dead effects can be requeued",
		})
	default:
		logging.L(c.Request.Context()).Error("requeue failed", "effectId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Requeue failed",
		})
	}
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

// startBackground launches the hub, the auto-release timer, the outbox
// dispatcher and the DB stats collector.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	go s.dispatcher.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop timers before the context so an in-flight sweep finishes its record
	s.escrowTimer.Stop()
	s.dispatcher.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("escrow timer and dispatcher stopped")

	s.rateLimiter.Stop()
	s.mutationLimiter.Stop()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
