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
	"github.com/jouetmalins/casino-backend/internal/config"
	"github.com/jouetmalins/casino-backend/internal/logging"
	"github.com/jouetmalins/casino-backend/internal/metrics"
	"github.com/jouetmalins/casino-backend/internal/oauth"
	"github.com/jouetmalins/casino-backend/internal/orders"
	"github.com/jouetmalins/casino-backend/internal/play"
	"github.com/jouetmalins/casino-backend/internal/ratelimit"
	"github.com/jouetmalins/casino-backend/internal/realtime"
	"github.com/jouetmalins/casino-backend/internal/security"
	"github.com/jouetmalins/casino-backend/internal/shopify"
	"github.com/jouetmalins/casino-backend/internal/signature"
	"github.com/jouetmalins/casino-backend/internal/tokenstore"
	"github.com/jouetmalins/casino-backend/internal/validation"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// AdminAPI is the slice of the platform client the server hands to the
// play engine and webhook ingestor. Satisfied by *shopify.Client.
type AdminAPI interface {
	GetCredits(ctx context.Context, shop, token, customerID string) (int, error)
	SetCredits(ctx context.Context, shop, token, customerID string, credits int) error
	GetShopState(ctx context.Context, shop, token string) (*shopify.ShopState, error)
	SetShopMetafield(ctx context.Context, shop, token, shopID, key, fieldType, value string) error
	CreateRewardOrder(ctx context.Context, shop, token, customerID, variantID string) (string, error)
	FindCustomerByEmail(ctx context.Context, shop, token, email string) (string, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	api          AdminAPI
	tokens       tokenstore.Store
	adminCache   *tokenstore.AdminTokenCache
	engine       *play.Engine
	installer    *oauth.Installer
	ingestor     *orders.Ingestor
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil unless DATABASE_URL is set
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

// WithAdminAPI sets a custom platform client (for testing)
func WithAdminAPI(api AdminAPI) Option {
	return func(s *Server) {
		s.api = api
	}
}

// WithTokenStore sets a custom credential store (for testing)
func WithTokenStore(store tokenstore.Store) Option {
	return func(s *Server) {
		s.tokens = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set api/tokens/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize credential storage (Postgres if DATABASE_URL set,
	// otherwise the JSON token file)
	if s.tokens == nil {
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
			pgStore := tokenstore.NewPostgresStore(db)
			if err := pgStore.Migrate(context.Background()); err != nil {
				s.logger.Warn("failed to migrate token store", "error", err)
			}
			s.tokens = pgStore
			s.logger.Info("using PostgreSQL credential storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.tokens = tokenstore.NewFileStore(cfg.TokensFile)
			s.logger.Info("using file credential storage", "path", cfg.TokensFile)
		}
	}

	// client_credentials fallback for the fixed-shop deployment variant
	if cfg.ShopDomain != "" {
		s.adminCache = tokenstore.NewAdminTokenCache(cfg.ShopDomain, cfg.ClientID, cfg.ClientSecret)
		s.logger.Info("client_credentials token cache enabled", "shop", cfg.ShopDomain)
	}

	// Platform client
	if s.api == nil {
		s.api = shopify.New(cfg.APIVersion, shopify.WithCreditsKey(cfg.CreditsKey))
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Play engine
	s.engine = play.NewEngine(s.api, play.Config{
		Cost:            cfg.PlayCost,
		Odds:            cfg.WinOdds,
		JackpotAddCents: cfg.JackpotAddCents,
	}, play.WithEvents(s.realtimeHub))

	// OAuth installer
	var installOpts []oauth.Option
	if cfg.AllowedShop != "" {
		installOpts = append(installOpts, oauth.WithAllowedShop(cfg.AllowedShop))
	}
	s.installer = oauth.NewInstaller(cfg.ClientID, cfg.ClientSecret, cfg.AppURL, cfg.Scopes, s.tokens, installOpts...)

	// Webhook ingestor
	s.ingestor = orders.NewIngestor(s.tokens, s.api, cfg.ProxySecret, cfg.RewardVariantID)

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
			"ok":    false,
			"error": "SERVER_ERROR",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (proxied storefront requests carry the storefront origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   ratelimit.DefaultConfig().CleanupInterval,
	})
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

// proxySignatureMiddleware rejects storefront requests that were not
// relayed by the trusted proxy. Verification happens before any handler
// side effect.
func (s *Server) proxySignatureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !signature.VerifyProxy(c.Request.URL.Query(), s.cfg.ProxySecret) {
			metrics.SignatureFailuresTotal.WithLabelValues("proxy").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "INVALID_SIGNATURE",
			})
			return
		}
		if shop := s.shopFrom(c); shop != "" {
			c.Request = c.Request.WithContext(logging.WithShop(c.Request.Context(), shop))
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Service banner
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "casino-backend",
			"status":  "ok",
		})
	})

	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time jackpot streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Storefront proxy routes. Both prefixes are aliases: the proxy
	// subpath is merchant-configurable and both spellings are deployed.
	for _, prefix := range []string{"/apps/casino", "/proxy/casino"} {
		g := s.router.Group(prefix)
		g.Use(validation.ShopQueryMiddleware())
		g.Use(s.proxySignatureMiddleware())

		g.GET("/balance", s.balanceHandler)
		g.GET("/status", s.balanceHandler)
		g.GET("/play", s.playHandler)
		g.POST("/play", s.playHandler)
		g.GET("/consume", s.playHandler)
		g.POST("/consume", s.playHandler)
	}

	// Install flow. /auth is kept as an alias for older proxy configs.
	for _, prefix := range []string{"/oauth", "/auth"} {
		g := s.router.Group(prefix)
		g.GET("", s.oauthStartHandler)
		g.GET("/start", s.oauthStartHandler)
		g.GET("/callback", s.oauthCallbackHandler)
	}

	// Webhooks (raw body, verified inside the ingestor)
	s.router.POST("/webhooks/orders_paid", s.ordersPaidHandler)

	// Installation introspection
	s.router.GET("/admin/status", s.adminStatusHandler)
}

// -----------------------------------------------------------------------------
// Proxy handlers
// -----------------------------------------------------------------------------

// shopFrom resolves the shop a proxied request is for.
func (s *Server) shopFrom(c *gin.Context) string {
	if shop := validation.SanitizeShopDomain(c.Query("shop")); shop != "" {
		return shop
	}
	return s.cfg.ShopDomain
}

// customerFrom returns the proxied customer id. The platform appends a
// plain numeric id; anything else is treated as no customer rather than
// passed through to the Admin API.
func (s *Server) customerFrom(c *gin.Context) string {
	cid := c.Query("logged_in_customer_id")
	if !validation.IsValidCustomerID(cid) {
		return ""
	}
	return cid
}

// tokenFor looks up the install token for a shop, falling back to the
// client_credentials cache in the fixed-shop deployment.
func (s *Server) tokenFor(ctx context.Context, shop string) (string, error) {
	token, err := s.tokens.Get(ctx, shop)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, tokenstore.ErrNotFound) && s.adminCache != nil {
		return s.adminCache.Token(ctx, shop)
	}
	return "", err
}

func (s *Server) balanceHandler(c *gin.Context) {
	ctx := c.Request.Context()

	shop := s.shopFrom(c)
	if shop == "" {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "NOT_INSTALLED"})
		return
	}
	token, err := s.tokenFor(ctx, shop)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "NOT_INSTALLED"})
		return
	}

	res, err := s.engine.Balance(ctx, shop, token, s.customerFrom(c))
	if err != nil {
		s.upstreamFailure(c, err)
		return
	}

	resp := gin.H{
		"ok":           true,
		"loggedIn":     res.LoggedIn,
		"jackpotCents": res.JackpotCents,
		"lastWinner":   res.LastWinner,
	}
	resp[s.cfg.CreditsKey] = res.Credits
	c.JSON(http.StatusOK, resp)
}

func (s *Server) playHandler(c *gin.Context) {
	ctx := c.Request.Context()

	shop := s.shopFrom(c)
	if shop == "" {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "NOT_INSTALLED"})
		return
	}
	token, err := s.tokenFor(ctx, shop)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "NOT_INSTALLED"})
		return
	}

	res, err := s.engine.Play(ctx, shop, token, s.customerFrom(c))
	if err != nil {
		s.upstreamFailure(c, err)
		return
	}

	if res.Rejected != "" {
		resp := gin.H{
			"ok":           false,
			"error":        string(res.Rejected),
			"loggedIn":     res.LoggedIn,
			"jackpotCents": res.JackpotCents,
			"lastWinner":   res.LastWinner,
		}
		resp[s.cfg.CreditsKey] = res.Credits
		c.JSON(http.StatusOK, resp)
		return
	}

	resp := gin.H{
		"ok":           true,
		"loggedIn":     true,
		"win":          res.Win,
		"jackpotCents": res.JackpotCents,
		"lastWinner":   res.LastWinner,
	}
	resp[s.cfg.CreditsKey] = res.Credits
	if res.Win {
		resp["claimUrl"] = res.ClaimURL
	}
	c.JSON(http.StatusOK, resp)
}

// upstreamFailure maps platform client errors to response codes. An
// application-level envelope error is distinguishable from transport
// failure so callers do not have to string-match.
func (s *Server) upstreamFailure(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var upstream *shopify.UpstreamError
	if errors.As(err, &upstream) {
		logging.L(ctx).Warn("upstream error", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "UPSTREAM_ERROR"})
		return
	}
	logging.L(ctx).Error("request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "SERVER_ERROR"})
}

// -----------------------------------------------------------------------------
// Install flow handlers
// -----------------------------------------------------------------------------

func (s *Server) oauthStartHandler(c *gin.Context) {
	shop := validation.SanitizeShopDomain(c.Query("shop"))
	if errs := validation.Validate(
		validation.Required("shop", shop),
		validation.MaxLength("shop", shop, 255),
		validation.ValidShop("shop", shop),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	authURL, err := s.installer.AuthURL(shop)
	if err != nil {
		c.String(http.StatusBadRequest, "Cannot start install: %v", err)
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

func (s *Server) oauthCallbackHandler(c *gin.Context) {
	shop, err := s.installer.HandleCallback(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrBadSignature):
			c.String(http.StatusUnauthorized, "Signature verification failed.")
		case errors.Is(err, oauth.ErrBadState):
			c.String(http.StatusUnauthorized, "Install session expired, start over.")
		case errors.Is(err, oauth.ErrExchangeFailed):
			c.String(http.StatusBadGateway, "Token exchange failed, try the install again.")
		default:
			c.String(http.StatusBadRequest, "Install failed: %v", err)
		}
		return
	}
	c.String(http.StatusOK, "App installed for %s. You can close this window.", shop)
}

// -----------------------------------------------------------------------------
// Webhook handler
// -----------------------------------------------------------------------------

func (s *Server) ordersPaidHandler(c *gin.Context) {
	ctx := c.Request.Context()

	rawBody, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "cannot read body")
		return
	}

	outcome, err := s.ingestor.Ingest(ctx,
		c.GetHeader("X-Shopify-Shop-Domain"),
		rawBody,
		c.GetHeader("X-Shopify-Hmac-Sha256"),
	)
	if err != nil {
		if errors.Is(err, orders.ErrBadSignature) {
			c.String(http.StatusUnauthorized, "unauthorized")
			return
		}
		// The sender redelivers on non-2xx. A write failure after a
		// valid signature is logged and acknowledged; the order is lost
		// rather than replayed into a double credit.
		logging.L(ctx).Error("webhook apply failed", "error", err)
		c.String(http.StatusOK, "ok")
		return
	}

	logging.L(ctx).Info("webhook processed", "outcome", string(outcome))
	c.String(http.StatusOK, "ok")
}

// -----------------------------------------------------------------------------
// Introspection handlers
// -----------------------------------------------------------------------------

func (s *Server) adminStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	shop := s.shopFrom(c)
	if errs := validation.Validate(
		validation.Required("shop", shop),
		validation.ValidShop("shop", shop),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	token, err := s.tokenFor(ctx, shop)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"shop": shop, "installed": false})
		return
	}

	resp := gin.H{"shop": shop, "installed": true}
	if state, err := s.api.GetShopState(ctx, shop, token); err == nil {
		resp["jackpotCents"] = state.JackpotCents
		resp["rewardConfigured"] = state.RewardVariantID != ""
		resp["lastWinner"] = state.LastWinner
	}
	c.JSON(http.StatusOK, resp)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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

	// Cancel the context for background goroutines (realtime hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
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
