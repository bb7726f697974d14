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
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/dispute"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/listing"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/recovery"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Version is reported by the info endpoint. Set by ldflags in cmd/server.
var Version = "dev"

const (
	// tokenDecimals converts base-unit amounts to whole tokens for
	// reputation volume. Supported tokens are 6-decimal stablecoins.
	tokenDecimals = 6

	// maxIDLength bounds :id path parameters.
	maxIDLength = 128
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	ledgerClient   ledger.Client
	guarded        *ledger.Guarded
	feed           reputation.Feed
	escrowService  *escrow.Service
	recoveryMgr    *recovery.Manager
	recoveryWorker *recovery.Worker
	disputeMgr     *dispute.Manager
	disputeWorker  *dispute.Worker
	listings       listing.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	verifier       *auth.Verifier
	health         *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	stopTraces     func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger replaces the configured ledger driver (for testing).
func WithLedger(c ledger.Client) Option {
	return func(s *Server) {
		s.ledgerClient = c
	}
}

// WithReputationFeed replaces the configured reputation feed (for testing).
func WithReputationFeed(f reputation.Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTraces = stopTraces

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		recoveryStore recovery.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		recoveryStore = recovery.NewPostgresStore(db)
		s.listings = listing.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		recoveryStore = recovery.NewMemoryStore()
		s.listings = listing.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupLedger(); err != nil {
		return nil, err
	}

	// Reputation: remote feed if configured, otherwise scored locally from
	// escrow outcomes.
	outcomes := reputation.NewMemoryMetrics(tokenDecimals)
	if s.feed == nil {
		if cfg.Reputation.URL != "" {
			if cfg.IsProduction() {
				if err := security.ValidateEndpointURL(ctx, cfg.Reputation.URL); err != nil {
					return nil, fmt.Errorf("REPUTATION_URL: %w", err)
				}
			}
			s.feed = reputation.NewHTTPFeed(cfg.Reputation.URL, nil)
			s.logger.Info("using remote reputation feed", "url", cfg.Reputation.URL)
		} else {
			s.feed = reputation.NewCalculatorFeed(outcomes)
		}
	}
	s.feed = reputation.Deduplicated(s.feed)

	s.realtimeHub = realtime.NewHub(s.logger)

	s.recoveryMgr = recovery.NewManager(recoveryStore, recovery.Config{
		BaseDelay:   cfg.Recovery.BaseDelay,
		MaxDelay:    cfg.Recovery.MaxDelay,
		MaxAttempts: cfg.Recovery.MaxAttempts,
	}, s.logger).WithEvents(s.realtimeHub)

	s.disputeMgr = dispute.NewManager(disputeStore, s.feed, dispute.Config{
		EvidenceWindow: cfg.Dispute.EvidenceWindow,
		VotingWindow:   cfg.Dispute.VotingWindow,
		QuorumWeight:   cfg.Dispute.QuorumWeight,
		Arbitrators:    cfg.Dispute.Arbitrators,
		ScoreTimeout:   cfg.Reputation.Timeout,
	}, s.logger).WithEvents(s.realtimeHub)

	s.escrowService = escrow.NewService(escrowStore, s.guarded, s.listings, escrow.Config{
		SupportedTokens: cfg.SupportedTokens,
		FeeBasisPoints:  cfg.FeeBasisPoints,
	}, s.logger).
		WithRecoveryQueue(s.recoveryMgr).
		WithDisputeRegistry(s.disputeMgr).
		WithRecorder(outcomes).
		WithEvents(s.realtimeHub)

	s.recoveryMgr.WithReplayer(s.escrowService)
	s.disputeMgr.WithResolver(s.escrowService)
	s.guarded.OnLateOutcome(s.handleLateOutcome)

	s.recoveryWorker = recovery.NewWorker(s.recoveryMgr, cfg.Recovery.PollInterval, s.logger)
	s.disputeWorker = dispute.NewWorker(s.disputeMgr, cfg.Dispute.TallyPoll, s.logger)
	s.verifier = auth.NewVerifier(cfg.AuthMaxSkew, cfg.AdminAddrs)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupLedger builds the custody client and wraps it with the timeout and
// circuit breaker guard.
func (s *Server) setupLedger() error {
	lc := s.cfg.Ledger
	if s.ledgerClient == nil {
		switch lc.Driver {
		case "evm":
			if s.cfg.IsProduction() {
				if err := security.ValidateEndpointURL(context.Background(), lc.RPCURL); err != nil {
					return fmt.Errorf("LEDGER_RPC_URL: %w", err)
				}
			}
			evm, err := ledger.NewEVMClient(ledger.EVMConfig{
				RPCURL:          lc.RPCURL,
				ContractAddress: lc.ContractAddress,
				ChainID:         lc.ChainID,
				PrivateKey:      lc.PrivateKey,
				SettleTimeout:   lc.SettleTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to create ledger client: %w", err)
			}
			s.ledgerClient = evm
			s.health.Register("ledger_rpc", func(ctx context.Context) health.Status {
				if err := evm.Ping(ctx); err != nil {
					return health.Status{Healthy: false, Detail: err.Error()}
				}
				return health.Status{Healthy: true}
			})
			s.logger.Info("using EVM custody ledger",
				"chain_id", lc.ChainID, "contract", lc.ContractAddress, "operator", evm.Operator())
		default:
			s.ledgerClient = ledger.NewMemoryClient()
			s.logger.Warn("using in-memory custody ledger (no real funds move)")
		}
	}

	breaker := circuitbreaker.New(lc.BreakerThreshold, lc.BreakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger circuit breaker transition", "operation", key, "from", from.String(), "to", to.String())
	})
	s.guarded = ledger.NewGuarded(s.ledgerClient, lc.CallTimeout, breaker, s.logger)
	s.health.Register("ledger_breaker", func(context.Context) health.Status {
		for _, op := range []ledger.Operation{ledger.OpLock, ledger.OpRelease, ledger.OpRefund} {
			if st := s.guarded.BreakerState(op); st == circuitbreaker.StateOpen {
				return health.Status{Healthy: false, Detail: string(op) + " circuit open"}
			}
		}
		return health.Status{Healthy: true}
	})
	return nil
}

// handleLateOutcome makes the recovery task of a timed-out call due at
// once, so its replay collects the outcome instead of waiting out the
// backoff.
func (s *Server) handleLateOutcome(o ledger.LateOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = logging.WithLogger(logging.WithEscrow(ctx, o.EscrowID), s.logger)

	e, err := s.escrowService.Get(ctx, o.EscrowID)
	if err != nil {
		logging.L(ctx).Warn("late ledger outcome for unknown escrow", "operation", o.Operation, "error", err)
		return
	}
	op := e.PendingOperation
	if op == "" {
		op = escrowOperation(o.Operation, e.Status)
	}
	if err := s.recoveryMgr.Nudge(ctx, e.ID, op); err != nil {
		logging.L(ctx).Warn("failed to schedule replay after late ledger outcome", "operation", op, "error", err)
	}
}

// escrowOperation maps a ledger primitive back to the escrow operation that
// issued it.
func escrowOperation(op ledger.Operation, status escrow.Status) escrow.Operation {
	switch {
	case op == ledger.OpLock:
		return escrow.OpFund
	case status == escrow.StatusDisputed:
		return escrow.OpResolve
	case op == ledger.OpRelease:
		return escrow.OpConfirm
	default:
		return escrow.OpCancel
	}
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Signature auth runs before rate limiting so signed callers get their
	// own bucket.
	s.router.Use(auth.Middleware(s.verifier))
	if s.cfg.RateLimit > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimit,
			BurstSize:         max(1, s.cfg.RateLimit/10),
			CleanupInterval:   time.Minute,
		})
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if agent := auth.GetAuthenticatedAgent(c); agent != "" {
			attrs = append(attrs, "agent", agent)
		}

		logger := logging.L(c.Request.Context())
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Ready())
	s.router.GET("/health/live", health.Live())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.ParamMiddleware("id", maxIDLength), validation.AddressParamMiddleware())
	v1.GET("/info", s.infoHandler)
	v1.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	escrowHandler := escrow.NewHandler(s.escrowService)
	disputeHandler := dispute.NewHandler(s.disputeMgr)
	recoveryHandler := recovery.NewHandler(s.recoveryMgr)
	listingHandler := listing.NewHandler(s.listings)
	reputationHandler := reputation.NewHandler(s.feed)

	escrowHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	recoveryHandler.RegisterRoutes(v1)
	listingHandler.RegisterRoutes(v1)
	reputationHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	recoveryHandler.RegisterProtectedRoutes(protected)
	listingHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":            "escrowd",
		"version":         Version,
		"ledger":          s.cfg.Ledger.Driver,
		"supportedTokens": s.cfg.SupportedTokens,
		"feeBasisPoints":  s.cfg.FeeBasisPoints,
		"dispute": gin.H{
			"evidenceWindow": s.cfg.Dispute.EvidenceWindow.String(),
			"votingWindow":   s.cfg.Dispute.VotingWindow.String(),
			"quorumWeight":   s.cfg.Dispute.QuorumWeight,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "ledger", s.cfg.Ledger.Driver)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.recoveryWorker.Start(runCtx)
	go s.disputeWorker.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.recoveryWorker.Stop()
	s.disputeWorker.Stop()

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if closer, ok := s.ledgerClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("ledger close error", "error", err)
		}
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
