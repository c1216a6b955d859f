// Package server sets up the paywalled HTTP server with all routes
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
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/fredagent/x402proxy/internal/circuitbreaker"
	"github.com/fredagent/x402proxy/internal/config"
	"github.com/fredagent/x402proxy/internal/health"
	"github.com/fredagent/x402proxy/internal/inference"
	"github.com/fredagent/x402proxy/internal/logging"
	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/nonces"
	"github.com/fredagent/x402proxy/internal/paywall"
	"github.com/fredagent/x402proxy/internal/ratelimit"
	"github.com/fredagent/x402proxy/internal/realtime"
	"github.com/fredagent/x402proxy/internal/receipts"
	"github.com/fredagent/x402proxy/internal/security"
	"github.com/fredagent/x402proxy/internal/validation"
	"github.com/fredagent/x402proxy/internal/webhooks"
	"github.com/fredagent/x402proxy/migrations"
	"github.com/fredagent/x402proxy/pkg/x402"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	pruneInterval    = 10 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	nonces      nonces.Store
	verifier    *paywall.Verifier
	receipts    *receipts.Service
	webhooks    *webhooks.Dispatcher
	hookStore   webhooks.Store
	hookPolicy  security.EndpointPolicy
	backend     inference.Backend
	inference   *inference.Service
	breaker     *circuitbreaker.Breaker
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB               // nil unless DATABASE_URL is set
	redis       redis.UniversalClient // nil unless the redis backend is used
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithNonceStore injects the nonce store instead of opening one from config.
func WithNonceStore(store nonces.Store) Option {
	return func(s *Server) {
		s.nonces = store
	}
}

// WithBackend injects the inference backend (for testing)
func WithBackend(b inference.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithWebhookPolicy sets which webhook targets are accepted. The default
// refuses private and loopback addresses.
func WithWebhookPolicy(p security.EndpointPolicy) Option {
	return func(s *Server) {
		s.hookPolicy = p
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStorage(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	// Receipts live next to the nonces when a database is configured
	var receiptStore receipts.Store = receipts.NewMemoryStore()
	if s.db != nil {
		receiptStore = receipts.NewPostgresStore(s.db)
	}
	s.receipts = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptSecret))
	if !s.receipts.Enabled() {
		s.logger.Warn("receipt signing disabled (no RECEIPT_HMAC_SECRET)")
	}

	s.hookStore = webhooks.NewMemoryStore()
	if s.db != nil {
		s.hookStore = webhooks.NewPostgresStore(s.db)
	}
	s.webhooks = webhooks.NewDispatcher(s.hookStore, s.hookPolicy, s.logger)

	s.verifier = paywall.NewVerifier(s.nonces,
		paywall.WithMaxWindow(cfg.MaxWindow),
		paywall.WithLogger(s.logger),
	)

	// Guarded operation
	if s.backend == nil {
		s.backend = newBackend(cfg)
	}
	s.breaker = circuitbreaker.New(breakerThreshold, breakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	s.inference = inference.NewService(s.backend, s.breaker, s.logger)
	s.logger.Info("inference backend configured", "provider", s.backend.Name())

	s.realtimeHub = realtime.NewHub(s.logger)

	s.health = health.NewRegistry()
	s.health.Register("nonces", health.PingChecker("nonces", s.nonces))
	if p, ok := receiptStore.(health.Pinger); ok {
		s.health.Register("receipts", health.PingChecker("receipts", p))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage connects the configured nonce backend. Receipts use the
// database whenever DATABASE_URL is set, whatever the nonce backend.
func (s *Server) openStorage(ctx context.Context) error {
	cfg := s.cfg

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := migrate(ctx, db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if s.nonces != nil {
		return nil
	}

	storeOpts := []nonces.Option{nonces.WithMaxReleases(cfg.MaxReleases)}
	switch cfg.NonceBackend {
	case config.BackendPostgres:
		if s.db == nil {
			return errors.New("postgres nonce backend needs DATABASE_URL")
		}
		s.nonces = nonces.NewPostgresStore(s.db, storeOpts...)

	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.nonces = nonces.NewRedisStore(client, storeOpts...)
		s.logger.Info("using Redis nonce store", "addr", opt.Addr)

	default:
		s.nonces = nonces.NewMemoryStore(storeOpts...)
		s.logger.Warn("using in-memory nonce store (spent nonces are forgotten on restart)")
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func newBackend(cfg *config.Config) inference.Backend {
	hc := &http.Client{Timeout: cfg.LLMTimeout}
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		opts := []option.RequestOption{option.WithHTTPClient(hc)}
		if cfg.LLMAPIURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMAPIURL))
		}
		return inference.NewAnthropicBackend(cfg.AnthropicAPIKey, opts...)
	case config.ProviderOpenAI:
		return inference.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.LLMAPIURL, hc)
	default:
		return inference.EchoBackend{}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		// A panic inside the guarded handler must not burn the payment
		_, _ = paywall.Fail(c)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLog())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.health.LiveHandler)
	s.router.GET("/health/ready", s.health.ReadyHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	paid := paywall.Middleware(paywall.Config{
		Verifier:   s.verifier,
		Quote:      s.quote,
		Logger:     s.logger,
		OnSettled:  s.onSettled,
		OnRejected: s.onRejected,
	})
	inference.NewHandler(s.inference, s.pricing(), s.receipts.Enabled()).RegisterRoutes(s.router, paid)

	v1 := s.router.Group("/v1")
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)
	v1.GET("/payments/:payer/:nonce", validation.AddressParamMiddleware("payer"), s.paymentStatusHandler)

	if s.cfg.AdminToken != "" {
		admin := v1.Group("/admin", security.AdminTokenMiddleware(s.cfg.AdminToken))
		webhooks.NewHandler(s.hookStore, s.hookPolicy).RegisterRoutes(admin)
	}
}

// quote prices the requested path. It runs on every request so the
// challenge never outlives a config change.
func (s *Server) quote(c *gin.Context) x402.PriceQuote {
	return x402.PriceQuote{
		Scheme:            x402.SchemeExact,
		Network:           s.cfg.Network,
		Asset:             s.cfg.Asset,
		Amount:            s.cfg.PricePerCall,
		PayTo:             s.cfg.Recipient,
		Resource:          s.cfg.ResourceURL(c.Request.URL.Path),
		Description:       "LLM inference, one prompt per payment",
		MimeType:          "application/json",
		MaxTimeoutSeconds: int(s.cfg.Validity / time.Second),
	}
}

func (s *Server) pricing() inference.Pricing {
	return inference.Pricing{
		PricePerCall: s.cfg.PricePerCall,
		Asset:        s.cfg.Asset,
		Network:      s.cfg.Network,
		PayTo:        s.cfg.Recipient,
		Decimals:     s.cfg.AssetDecimals,
	}
}

// onSettled issues the receipt and announces the payment. It runs after
// the nonce is committed, so failures here never reopen the payment.
func (s *Server) onSettled(ctx context.Context, p x402.SignedPayment, res x402.SettlementResult) {
	if p.Asset == "" {
		// Unsigned envelope field; the verifier accepted it empty
		p.Asset = s.cfg.Asset
	}

	event := realtime.Payment{
		Payer:     res.Payer,
		Recipient: p.Payload.Authorization.To,
		Nonce:     res.Nonce,
		Amount:    res.AmountAccepted,
		Resource:  p.Resource,
		AgentID:   p.Payload.AgentID,
	}

	rcpt, err := s.receipts.IssueFor(ctx, p, res)
	switch {
	case err != nil:
		s.logger.Error("failed to issue receipt", "payer", res.Payer, "nonce", res.Nonce, "error", err)
	case rcpt != nil:
		event.ReceiptID = rcpt.ID
	}

	s.realtimeHub.PaymentSettled(event)
	s.webhooks.Notify(ctx, webhooks.NewEvent(webhooks.EventPaymentSettled, res.Payer, event))
}

func (s *Server) onRejected(ctx context.Context, p *x402.SignedPayment, reason x402.Reason) {
	event := realtime.Payment{Reason: string(reason)}
	if p != nil {
		a := p.Payload.Authorization
		event.Payer = a.From
		event.Recipient = a.To
		event.Nonce = a.Nonce
		event.Amount = a.Value
		event.Resource = p.Resource
		event.AgentID = p.Payload.AgentID
	}
	s.realtimeHub.PaymentRejected(event)
	s.webhooks.Notify(ctx, webhooks.NewEvent(webhooks.EventPaymentRejected, event.Payer, event))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "x402proxy",
		"description": "Pay-per-call LLM inference over HTTP 402",
		"version":     s.version,
		"network":     s.cfg.Network,
		"asset":       s.cfg.Asset,
		"payTo":       s.cfg.Recipient,
		"endpoints": gin.H{
			"inference": s.cfg.ResourceURL("/inference"),
			"pricing":   s.cfg.ResourceURL("/pricing"),
			"receipts":  s.cfg.ResourceURL("/v1/receipts/:id"),
			"stream":    s.cfg.ResourceURL("/ws"),
		},
		"stream": s.realtimeHub.Stats(),
	})
}

// paymentStatusHandler reports where a nonce is in its lifecycle, so a
// payer can tell whether an authorization it sent was spent.
func (s *Server) paymentStatusHandler(c *gin.Context) {
	rec, err := s.nonces.Get(c.Request.Context(), c.Param("payer"), c.Param("nonce"))
	if errors.Is(err, nonces.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No payment with this nonce",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("nonce lookup failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Payment store is unavailable",
		})
		return
	}

	resp := gin.H{"payment": rec}
	if rec.Status == nonces.StatusConsumed && s.receipts.Enabled() {
		resp["receiptId"] = receipts.IDFor(rec.Payer, rec.Nonce)
	}
	c.JSON(http.StatusOK, resp)
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
		WriteTimeout:      s.cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"pay_to", s.cfg.Recipient,
			"price", s.cfg.PricePerCall,
			"nonce_backend", s.cfg.NonceBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if p, ok := s.nonces.(nonces.Pruner); ok {
		go s.pruneNonces(runCtx, p)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStorage()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// pruneNonces drops records whose validity window has closed. Such
// authorizations fail the time check before replay is even consulted.
func (s *Server) pruneNonces(ctx context.Context, p nonces.Pruner) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, time.Now())
			if err != nil {
				s.logger.Warn("nonce prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("pruned expired nonces", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if err := s.webhooks.Wait(ctx); err != nil {
		s.logger.Warn("webhook deliveries still in flight", "error", err)
	}

	// In-flight paid requests have finished; stop the hub and pruner
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeStorage()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}
