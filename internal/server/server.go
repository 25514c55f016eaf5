// Package server sets up the HTTP server with all routes and runs the
// background loops: intent expiry, settlement listener and notification
// delivery.
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
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/devnet"
	"github.com/mbd888/splitpay/internal/health"
	"github.com/mbd888/splitpay/internal/intents"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/notify"
	"github.com/mbd888/splitpay/internal/ratelimit"
	"github.com/mbd888/splitpay/internal/realtime"
	"github.com/mbd888/splitpay/internal/security"
	"github.com/mbd888/splitpay/internal/settlement"
	"github.com/mbd888/splitpay/internal/usdc"
	"github.com/mbd888/splitpay/internal/validation"
	"github.com/mbd888/splitpay/internal/watchdog"
	"github.com/mbd888/splitpay/migrations"
)

// Version is reported by the health endpoint. cmd/server sets it from
// build flags.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	network *devnet.Network      // nil when RPC_URL is set
	source  settlement.LogSource // devnet chain or RPC client

	intentService *intents.Service
	intentTimer   *intents.Timer
	settlements   settlement.Store
	listener      *settlement.Listener
	watchdog      *watchdog.Watchdog
	outbox        notify.Outbox
	worker        *notify.Worker
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

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

// WithClock sets the clock driving timers and contracts (for testing).
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithLogSource sets the ledger log source, typically an ethclient
// connected to RPC_URL.
func WithLogSource(src settlement.LogSource) Option {
	return func(s *Server) {
		s.source = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var intentStore intents.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db, s.logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}

		if err := metrics.RegisterDB(db, "splitpay"); err != nil {
			s.logger.Warn("failed to register database metrics", "error", err)
		}

		s.db = db
		intentStore = intents.NewPostgresStore(db)
		s.settlements = settlement.NewPostgresStore(db)
		s.outbox = notify.NewPostgresOutbox(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		intentStore = intents.NewMemoryStore()
		s.settlements = settlement.NewMemoryStore()
		s.outbox = notify.NewMemoryOutbox()
		s.logger.Info("using in-memory storage")
	}

	// Ledger: in-process devnet unless an RPC source was supplied
	intentCfg := intents.Config{
		Schedule: cfg.Economics.SplitSchedule(),
		TTL:      cfg.IntentTTL,
		ChainID:  cfg.ChainID,
	}
	if s.source == nil {
		if !cfg.Devnet() {
			return nil, errors.New("RPC_URL is set but no log source was provided")
		}
		net, err := devnet.New(cfg, s.clock, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to deploy devnet: %w", err)
		}
		s.network = net
		s.source = net.Chain
		addrs := net.Addresses()
		intentCfg.Token = addrs.Token
		intentCfg.Ledger = addrs.SplitLedger
		intentCfg.Treasury = addrs.Treasury
		intentCfg.StakingPool = addrs.StakingPool
	} else {
		intentCfg.Token = common.HexToAddress(cfg.TokenContract)
		intentCfg.Ledger = common.HexToAddress(cfg.SplitLedgerContract)
		intentCfg.Treasury = common.HexToAddress(cfg.TreasuryAddress)
		intentCfg.StakingPool = common.HexToAddress(cfg.StakingPoolAddress)
	}
	intentCfg.MinAmount, _ = usdc.Parse(cfg.Economics.MinPayment)
	intentCfg.MaxAmount, _ = usdc.Parse(cfg.Economics.MaxPayment)

	s.intentService = intents.NewService(intentStore, intentCfg, s.clock, s.logger)
	s.intentTimer = intents.NewTimer(s.intentService, cfg.SweepInterval, s.logger)

	// Realtime hub doubles as a notification sink
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithClock(s.clock))
	s.intentService.OnExpired(func(ctx context.Context, intent *intents.Intent) {
		_ = s.realtimeHub.Publish(ctx, &realtime.Event{
			Type:      realtime.EventIntentExpired,
			Reference: intent.ReferenceID,
			Data:      intent,
			Addresses: []string{intent.Provider().Hex(), intent.Beneficiary().Hex()},
		})
	})

	sinks := notify.MultiSink{notify.NewStreamSink(s.realtimeHub)}
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL); err != nil {
				return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		breaker := circuitbreaker.New(5, time.Minute, s.clock)
		breaker.OnTransition(func(endpoint string, from, to circuitbreaker.State) {
			s.logger.Warn("webhook circuit state changed", "from", from.String(), "to", to.String())
		})
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret,
			notify.WithBreaker(breaker)))
		s.logger.Info("webhook notifications enabled")
	}
	s.worker = notify.NewWorker(s.outbox, sinks, notify.DefaultWorkerConfig(), s.clock, s.logger)

	// Settlement listener, guarded by the RPC watchdog
	s.watchdog = watchdog.New("rpc", cfg.WatchdogThreshold, s.clock)
	s.watchdog.OnHalt(func(err error) {
		s.logger.Error("settlement listener halted", "error", err)
		sentry.CaptureException(fmt.Errorf("settlement listener halted: %w", err))
	})
	s.listener = settlement.NewListener(s.source, s.settlements, s.intentService, s.outbox, s.watchdog,
		settlement.Config{
			ChainID:           cfg.ChainID,
			Ledger:            intentCfg.Ledger,
			ConfirmationDepth: cfg.ConfirmationDepth,
			PollInterval:      cfg.PollInterval,
		}, s.clock, s.logger)

	// Health checks
	s.health = health.NewRegistry()
	s.health.Register("ledger", health.Ledger(s.source))
	s.health.Register("listener", func(context.Context) health.Status {
		st := s.listener.Status()
		return health.Status{Name: "listener", Healthy: !s.listener.Halted(), Detail: st.State}
	})
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		sentry.CaptureException(fmt.Errorf("panic on %s: %v", c.FullPath(), recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.BodyLimit(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an upstream request ID (load balancer, client SDK)
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Settlement stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	intentHandler := intents.NewHandler(s.intentService)
	intentHandler.RegisterRoutes(v1)

	s.rateLimiter = ratelimit.New(ratelimit.Config{RPS: float64(s.cfg.RateLimitRPS), Burst: 2 * s.cfg.RateLimitRPS})
	limited := v1.Group("")
	limited.Use(s.rateLimiter.Middleware())
	intentHandler.RegisterProtectedRoutes(limited)

	settlement.NewHandler(s.settlements, s.listener).RegisterRoutes(v1)

	if s.network != nil {
		h := devnet.NewHandler(s.network)
		h.RegisterRoutes(v1)
		h.RegisterDevnetRoutes(v1.Group("/devnet"))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	if s.listener.Halted() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "listener_halted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	cfg := s.intentService.Config()
	c.JSON(http.StatusOK, gin.H{
		"version":           Version,
		"chainId":           s.cfg.ChainID,
		"devnet":            s.network != nil,
		"token":             cfg.Token,
		"splitLedger":       cfg.Ledger,
		"splitVersion":      cfg.Schedule.Version,
		"splitBps":          cfg.Schedule.Weights,
		"minPayment":        usdc.Format(cfg.MinAmount),
		"maxPayment":        usdc.Format(cfg.MaxAmount),
		"intentTtl":         cfg.TTL.String(),
		"confirmationDepth": s.cfg.ConfirmationDepth,
		"realtime":          s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, a shutdown signal arrives or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "devnet", s.network != nil)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { s.realtimeHub.Run(gctx); return nil })
	g.Go(func() error { s.intentTimer.Start(gctx); return nil })
	g.Go(func() error { s.listener.Start(gctx); return nil })
	g.Go(func() error { s.worker.Start(gctx); return nil })

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	s.intentTimer.Stop()
	s.listener.Stop()
	s.worker.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Error("database close error", "error", cerr)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Network returns the devnet, or nil when running against an RPC node.
func (s *Server) Network() *devnet.Network {
	return s.network
}

// Listener returns the settlement listener.
func (s *Server) Listener() *settlement.Listener {
	return s.listener
}

// Worker returns the notification worker.
func (s *Server) Worker() *notify.Worker {
	return s.worker
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
