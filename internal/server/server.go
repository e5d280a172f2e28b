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

	"github.com/execguard/execguard/internal/assetsafety"
	"github.com/execguard/execguard/internal/auth"
	"github.com/execguard/execguard/internal/config"
	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/guard"
	"github.com/execguard/execguard/internal/health"
	"github.com/execguard/execguard/internal/logging"
	"github.com/execguard/execguard/internal/metrics"
	"github.com/execguard/execguard/internal/mitigation"
	"github.com/execguard/execguard/internal/permit"
	"github.com/execguard/execguard/internal/pricecheck"
	"github.com/execguard/execguard/internal/protection"
	"github.com/execguard/execguard/internal/ratelimit"
	"github.com/execguard/execguard/internal/realtime"
	"github.com/execguard/execguard/internal/reputation"
	"github.com/execguard/execguard/internal/security"
	"github.com/execguard/execguard/internal/traces"
	"github.com/execguard/execguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	authMgr        *auth.Manager
	permits        permit.Store
	reputationSvc  *reputation.Service
	reputationStor reputation.Store
	feedWorker     *reputation.Worker
	analyzer       *assetsafety.Analyzer
	assetStore     assetsafety.Store
	priceValidator *pricecheck.Validator
	priceStore     pricecheck.Store
	ruleStore      protection.Store
	attackStore    detector.Store
	detector       *detector.Detector
	selector       *mitigation.Selector
	statusCtl      *guard.Controller
	guardSvc       *guard.Service

	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc          // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error // flushes the tracer provider, set in Run

	prober       assetsafety.Prober
	priceSources map[string]pricecheck.ReferenceSource
	feeds        []reputation.Feed

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

// WithProber sets the on-chain asset prober.
func WithProber(p assetsafety.Prober) Option {
	return func(s *Server) {
		s.prober = p
	}
}

// WithPriceSource registers a named reference price source.
func WithPriceSource(name string, src pricecheck.ReferenceSource) Option {
	return func(s *Server) {
		if s.priceSources == nil {
			s.priceSources = make(map[string]pricecheck.ReferenceSource)
		}
		s.priceSources[name] = src
	}
}

// WithFeeds sets the external threat feeds synced into the reputation store.
func WithFeeds(feeds []reputation.Feed) Option {
	return func(s *Server) {
		s.feeds = feeds
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger, prober, sources)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var auditStore guard.AuditStore

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

		s.permits = permit.NewPostgresStore(db)
		s.reputationStor = reputation.NewPostgresStore(db)
		s.assetStore = assetsafety.NewPostgresStore(db)
		s.priceStore = pricecheck.NewPostgresStore(db)
		s.ruleStore = protection.NewPostgresStore(db)
		s.attackStore = detector.NewPostgresStore(db)
		auditStore = guard.NewPostgresAuditStore(db)

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.permits = permit.NewMemoryStore()
		s.reputationStor = reputation.NewMemoryStore()
		s.assetStore = assetsafety.NewMemoryStore()
		s.priceStore = pricecheck.NewMemoryStore()
		s.ruleStore = protection.NewMemoryStore()
		s.attackStore = detector.NewMemoryStore()
		auditStore = guard.NewMemoryAuditStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	// Issue a bootstrap key when none exist yet, so the first operator
	// can reach the privileged endpoints.
	if keys, err := s.authMgr.ListKeys(ctx); err == nil && len(keys) == 0 {
		rawKey, key, err := s.authMgr.GenerateKey(ctx, "bootstrap", []string{auth.RoleOperator, auth.RoleGuardian})
		if err != nil {
			return nil, fmt.Errorf("failed to issue bootstrap key: %w", err)
		}
		s.logger.Warn("issued bootstrap API key; store it and revoke once dedicated keys exist",
			"keyId", key.ID,
			"apiKey", rawKey,
		)
	}

	// Reputation service over the shared store
	s.reputationSvc = reputation.NewService(s.reputationStor)

	// Feed sync worker (only when feeds are configured)
	if len(s.feeds) > 0 {
		s.feedWorker = reputation.NewWorker(s.reputationStor, s.feeds, 15*time.Minute, s.logger)
		s.logger.Info("threat feed sync enabled", "feeds", len(s.feeds))
	}

	// Asset safety analyzer; without a prober it serves stored verdicts only
	s.analyzer = assetsafety.NewAnalyzer(s.prober, s.assetStore)
	if s.prober == nil {
		s.logger.Info("asset probing disabled (no prober configured); serving published verdicts only")
	}

	// Price reference validator
	s.priceValidator = pricecheck.NewValidator(s.priceStore)
	for name, src := range s.priceSources {
		s.priceValidator.RegisterSource(name, src)
	}

	// Protection status controller
	s.statusCtl = guard.NewController(guard.Status(cfg.InitialStatus), auditStore, s.logger)

	// Detection pipeline
	s.detector = detector.New(detector.Config{
		FeeMultiplier:    cfg.FeeMultiplier,
		PayloadSizeLimit: cfg.PayloadLimit,
		HighValueUSD:     cfg.HighValueUSD,
		MaxImpactBps:     cfg.MaxImpactBps,
		FeeWindowSize:    cfg.FeeWindowSize,
		PairLookback:     cfg.PairLookback,
		KnownVenues:      cfg.KnownVenues,
	}, s.attackStore, s.reputationSvc)

	// Mitigation selector
	s.selector = mitigation.NewSelector(s.attackStore, s.reputationSvc, s.ruleStore, s.logger)

	// Permit verification and the policy engine
	verifier := permit.NewVerifier(s.permits, cfg.ChainID)
	engine := guard.NewEngine(guard.EngineConfig{
		ShortCircuit:   cfg.ShortCircuit,
		BlockOnUnknown: cfg.BlockOnUnknown,
	}, s.statusCtl, s.reputationSvc, s.analyzer, s.priceValidator)

	s.guardSvc = guard.NewService(verifier, engine, s.detector, s.selector, s.statusCtl, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.guardSvc = s.guardSvc.WithBroadcaster(s.realtimeHub)
	s.statusCtl = s.statusCtl.WithBroadcaster(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("protection", func(ctx context.Context) health.Status {
		return health.Status{Name: "protection", Healthy: true, Detail: string(s.statusCtl.Current())}
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
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())
	// Soft auth: resolves the key when presented so audit entries carry
	// the key name. Role gates below enforce access.
	v1.Use(auth.Middleware(s.authMgr))

	guardHandlers := guard.NewHandlers(s.guardSvc, s.statusCtl, s.permits, s.logger)
	detectorHandlers := detector.NewHandlers(s.attackStore, s.logger)
	reputationHandler := reputation.NewHandler(s.reputationSvc, s.reputationStor)
	assetHandler := assetsafety.NewHandler(s.analyzer, s.assetStore)
	priceHandlers := pricecheck.NewHandlers(s.priceValidator, s.priceStore, s.logger)
	ruleHandlers := protection.NewHandlers(s.ruleStore, s.logger)
	authHandlers := auth.NewHandlers(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Submission, observation, and all read endpoints
	guardHandlers.RegisterRoutes(v1)
	detectorHandlers.RegisterRoutes(v1)
	reputationHandler.RegisterRoutes(v1)
	assetHandler.RegisterRoutes(v1)
	priceHandlers.RegisterRoutes(v1)
	ruleHandlers.RegisterRoutes(v1)

	// OPERATOR ROUTES (operator role required)
	operator := v1.Group("")
	operator.Use(auth.RequireRole(auth.RoleOperator))
	{
		guardHandlers.RegisterOperatorRoutes(operator)
		reputationHandler.RegisterAdminRoutes(operator)
		assetHandler.RegisterAdminRoutes(operator)
		priceHandlers.RegisterAdminRoutes(operator)
		ruleHandlers.RegisterAdminRoutes(operator)
		authHandlers.RegisterOperatorRoutes(operator)
	}

	// GUARDIAN ROUTES (guardian role required)
	guardian := v1.Group("")
	guardian.Use(auth.RequireRole(auth.RoleGuardian))
	{
		guardHandlers.RegisterGuardianRoutes(guardian)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "ExecGuard",
		"description": "Transaction authorization and adversarial execution defense",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"status":      s.statusCtl.Current(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op provider when no collector endpoint is configured)
	tracerShutdown, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracerShutdown = tracerShutdown

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"status", s.statusCtl.Current(),
			"chainId", s.cfg.ChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start threat feed sync worker
	if s.feedWorker != nil {
		go s.feedWorker.Start(runCtx)
	}

	// Collect DB pool stats
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

	// Cancel the context for all background goroutines (hub, worker)
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

	// Stop feed worker
	if s.feedWorker != nil {
		s.feedWorker.Stop()
		s.logger.Info("feed worker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending spans
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
