package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/analytics"
	"github.com/basetrust/reputation-engine/internal/auth"
	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/ingestion"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/queue"
	"github.com/basetrust/reputation-engine/internal/repositories"
	"github.com/basetrust/reputation-engine/internal/scoring"
	"github.com/basetrust/reputation-engine/internal/services"
)

// ipRatePerMinute is the per-client request budget enforced before any
// handler runs. Clients are keyed by salted IP hash, never by wallet.
const ipRatePerMinute = 100

// refreshBacklogFactor scales the stream backlog cap off the scan queue
// bound: beyond it, manual refreshes are refused with queue_full.
const refreshBacklogFactor = 10

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Str("model_version", cfg.Scoring.ModelVersion).
		Msg("Starting reputation engine API server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	// Initialize Redis
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize chain access for the inline scoring path
	chainClient := chain.NewClient(cfg.Chain)
	chainClient.Start()
	defer chainClient.Stop()

	reader := chain.NewReader(chainClient, cfg.Chain, cfg.Scoring)

	// Initialize repositories
	scoreRepo := repositories.NewScoreRepository(db)
	metricsRepo := repositories.NewMetricsRepository(db)
	transferRepo := repositories.NewTransferRepository(db)
	relationshipRepo := repositories.NewRelationshipRepository(db)
	snapshotRepo := repositories.NewSnapshotRepository(db)
	queryLogRepo := repositories.NewQueryLogRepository(db)
	ratingRepo := repositories.NewRatingRepository(db)
	fraudRepo := repositories.NewFraudReportRepository(db)
	profileRepo := repositories.NewProfileRepository(db)
	adaptiveRepo := repositories.NewAdaptiveRepository(db)
	outcomeRepo := repositories.NewOutcomeRepository(db)
	economyRepo := repositories.NewEconomyRepository(db)
	anomalyRepo := repositories.NewAnomalyRepository(db)
	developerRepo := repositories.NewDeveloperRepository(db)

	// Initialize the scoring pipeline
	adaptiveManager := scoring.NewAdaptiveManager(cfg.Adaptive, cfg.Scoring.Weights, adaptiveRepo, outcomeRepo, scoreRepo)

	stores := scoring.Stores{
		Scores:        scoreRepo,
		Metrics:       metricsRepo,
		Transfers:     transferRepo,
		Relationships: relationshipRepo,
		Snapshots:     snapshotRepo,
		QueryLog:      queryLogRepo,
		Ratings:       ratingRepo,
		Fraud:         fraudRepo,
		Profiles:      profileRepo,
	}

	orchestrator := scoring.NewOrchestrator(cfg.Scoring, cfg.Chain, reader, stores, adaptiveManager, cacheClient, streamClient)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	keyVerifier := auth.NewKeyVerifier(developerRepo)
	authService := services.NewAuthService(developerRepo, jwtManager, keyVerifier)
	ingestionService := ingestion.NewIngestionService(fraudRepo, ratingRepo, profileRepo, streamClient, cacheClient)
	analyticsService := analytics.NewAnalyticsService(scoreRepo, queryLogRepo, economyRepo, anomalyRepo, db, cacheClient)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting per salted IP hash
	rateLimiter := NewRateLimiter(ipRatePerMinute, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter, cfg.Server.RateLimitSalt))

	// Setup routes
	deps := &serverDeps{
		cfg:              cfg,
		db:               db,
		orchestrator:     orchestrator,
		streamClient:     streamClient,
		cacheClient:      cacheClient,
		jwtManager:       jwtManager,
		keyVerifier:      keyVerifier,
		authService:      authService,
		ingestionService: ingestionService,
		analyticsService: analyticsService,
		scoreRepo:        scoreRepo,
		queryLogRepo:     queryLogRepo,
	}
	setupRoutes(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// serverDeps bundles what the route table needs.
type serverDeps struct {
	cfg              *configs.Config
	db               *repositories.Database
	orchestrator     *scoring.Orchestrator
	streamClient     *queue.RedisStreamClient
	cacheClient      *queue.CacheClient
	jwtManager       *auth.JWTManager
	keyVerifier      *auth.KeyVerifier
	authService      *services.AuthService
	ingestionService *ingestion.IngestionService
	analyticsService *analytics.AnalyticsService
	scoreRepo        *repositories.ScoreRepository
	queryLogRepo     *repositories.QueryLogRepository
}

func setupRoutes(router *gin.Engine, d *serverDeps) {
	// Health checks
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/ready", readyHandler(d.db))

	v1 := router.Group("/v1")

	// Auth routes
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(d.authService))
		authRoutes.POST("/login", loginHandler(d.authService))
		authRoutes.POST("/refresh", auth.RequireAuth(d.jwtManager), refreshTokenHandler(d.authService))
		authRoutes.POST("/keys", auth.RequireAuth(d.jwtManager), issueAPIKeyHandler(d.authService))
	}

	// Score routes
	scoreRoutes := v1.Group("/score")
	{
		scoreRoutes.GET("/:wallet",
			freeQuotaMiddleware(d.cacheClient, d.keyVerifier, d.cfg.Server.RateLimitSalt, d.cfg.Server.FreeDailyLimit),
			getScoreHandler(d.orchestrator, d.queryLogRepo))
		scoreRoutes.GET("/:wallet/full", auth.RequireAPIKey(d.keyVerifier), getFullScoreHandler(d.orchestrator, d.queryLogRepo))
		scoreRoutes.GET("/:wallet/history", getScoreHistoryHandler(d.scoreRepo))
		scoreRoutes.GET("/:wallet/trajectory", getTrajectoryHandler(d.scoreRepo))
		scoreRoutes.POST("/:wallet/refresh", refreshScoreHandler(d.streamClient, d.cfg.Scoring.MaxQueue))
	}

	// Community write-side routes
	v1.POST("/reports", fileReportHandler(d.ingestionService))
	v1.POST("/ratings", submitRatingHandler(d.ingestionService))
	v1.POST("/profiles", registerProfileHandler(d.ingestionService))
	v1.GET("/profiles/:wallet", getProfileHandler(d.ingestionService))

	// Analytics routes (developer JWT)
	analyticsRoutes := v1.Group("/analytics")
	analyticsRoutes.Use(auth.RequireAuth(d.jwtManager))
	{
		analyticsRoutes.GET("/distribution", getDistributionHandler(d.analyticsService))
		analyticsRoutes.GET("/flagged", getFlaggedWalletsHandler(d.analyticsService))
		analyticsRoutes.GET("/economy", getEconomyHandler(d.analyticsService))
		analyticsRoutes.GET("/anomalies", getAnomaliesHandler(d.analyticsService))
		analyticsRoutes.GET("/volume/hourly", getHourlyVolumeHandler(d.analyticsService))
		analyticsRoutes.GET("/system", auth.RequirePlan(models.PlanPaid), getSystemMetricsHandler(d.analyticsService, d.streamClient))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_hash", c.GetString("client_hash")).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-API-Key, X-Requester-Wallet")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// hashClient derives the stable client key: sha256 over the deployment
// salt and the IP, so logs and counters never carry raw addresses.
func hashClient(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:16])
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	now := time.Now()

	if !exists {
		rl.visitors[key] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter, salt string) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientHash := hashClient(salt, c.ClientIP())
		c.Set("client_hash", clientHash)

		if !limiter.Allow(clientHash) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     "too many requests",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// freeQuotaMiddleware enforces the free-tier daily lookup budget on the
// basic score endpoint. A valid API key bypasses it; the counter lives
// in Redis so all replicas share it. Quota bookkeeping failures never
// take the read path down.
func freeQuotaMiddleware(cache *queue.CacheClient, verifier *auth.KeyVerifier, salt string, dailyLimit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(auth.APIKeyHeader); key != "" {
			if devID, email, plan, ok := verifier.Verify(c.Request.Context(), key); ok {
				c.Set(auth.DeveloperIDKey, devID)
				c.Set(auth.DeveloperEmailKey, email)
				c.Set(auth.DeveloperPlanKey, plan)
				c.Next()
				return
			}
		}

		if dailyLimit <= 0 {
			c.Next()
			return
		}

		day := time.Now().UTC().Format("20060102")
		quotaKey := "quota:" + hashClient(salt, c.ClientIP()) + ":" + day

		n, err := cache.IncrWithExpiry(c.Request.Context(), quotaKey, 24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("Quota counter unavailable")
			c.Next()
			return
		}

		if n > int64(dailyLimit) {
			c.Header("Retry-After", strconv.Itoa(secondsUntilUTCMidnight()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "daily_limit_exceeded",
				"message": fmt.Sprintf("free tier allows %d score lookups per day", dailyLimit),
				"limit":   dailyLimit,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func secondsUntilUTCMidnight() int {
	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}

// Auth handlers

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) || errors.Is(err, repositories.ErrDuplicateEmail) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": "registration_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": "login_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(auth.AuthorizationHeader)
		if len(token) > len(auth.BearerPrefix) {
			token = token[len(auth.BearerPrefix):]
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func issueAPIKeyHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		devID, ok := auth.GetDeveloperIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "developer identity missing"})
			return
		}

		resp, err := authService.IssueAPIKey(c.Request.Context(), devID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "key_issue_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// Score handlers

func getScoreHandler(orchestrator *scoring.Orchestrator, queryLogRepo *repositories.QueryLogRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		opts := scoreOptions(c)

		resp, err := orchestrator.ComputeOrGetScore(c.Request.Context(), wallet, opts)
		if err != nil {
			resp = scoringFallback(c, orchestrator, wallet, err)
			if resp == nil {
				return
			}
		}

		logQuery(c, queryLogRepo, resp.Wallet, "basic", false, nil)
		c.JSON(http.StatusOK, resp.BasicScoreResponse)
	}
}

func getFullScoreHandler(orchestrator *scoring.Orchestrator, queryLogRepo *repositories.QueryLogRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		opts := scoreOptions(c)

		resp, err := orchestrator.ComputeOrGetScore(c.Request.Context(), wallet, opts)
		if err != nil {
			resp = scoringFallback(c, orchestrator, wallet, err)
			if resp == nil {
				return
			}
		}

		// Paid lookups carry a dimension snapshot so the outcome matcher
		// can label them later.
		logQuery(c, queryLogRepo, resp.Wallet, "full", true, models.JSONB{
			"reliability": resp.Dimensions.Reliability,
			"viability":   resp.Dimensions.Viability,
			"identity":    resp.Dimensions.Identity,
			"capability":  resp.Dimensions.Capability,
			"behavior":    resp.Dimensions.Behavior,
		})
		c.JSON(http.StatusOK, resp)
	}
}

// scoreOptions reads the per-call knobs from the query string.
func scoreOptions(c *gin.Context) scoring.Options {
	opts := scoring.DefaultOptions()
	opts.TimeoutMs = getIntParam(c, "timeout_ms", 0)
	if c.Query("force") == "true" {
		opts.ForceRefresh = true
		opts.StaleOk = false
	}
	return opts
}

// scoringFallback maps a pipeline error to the boundary contract:
// invalid_wallet and queue_full fail the request; everything else
// degrades to the best stored answer.
func scoringFallback(c *gin.Context, orchestrator *scoring.Orchestrator, wallet string, err error) *models.FullScoreResponse {
	code := scoring.ErrorCode(err)
	switch code {
	case scoring.CodeInvalidWallet:
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
		return nil
	case scoring.CodeQueueFull:
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": code, "message": err.Error(), "retry_after": 5})
		return nil
	default:
		log.Warn().
			Err(err).
			Str("wallet", wallet).
			Str("code", code).
			Str("request_id", c.GetString("request_id")).
			Msg("Serving degraded score response")
		return orchestrator.FallbackResponse(c.Request.Context(), wallet)
	}
}

// logQuery records one lookup in the query log, best-effort.
func logQuery(c *gin.Context, repo *repositories.QueryLogRepository, wallet, endpoint string, paid bool, dims models.JSONB) {
	entry := &models.QueryLogEntry{
		Requester:    requesterIdentity(c),
		TargetWallet: wallet,
		Endpoint:     endpoint,
		Paid:         paid,
		Dimensions:   dims,
	}
	if err := repo.Create(c.Request.Context(), entry); err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Str("endpoint", endpoint).Msg("Query log write failed")
	}
}

// requesterIdentity resolves who asked: the wallet the caller declares
// (needed for outcome matching), else the authenticated developer, else
// the salted client hash.
func requesterIdentity(c *gin.Context) string {
	if w := c.GetHeader("X-Requester-Wallet"); chain.IsValidAddress(w) {
		return chain.NormalizeAddress(w)
	}
	if devID, ok := auth.GetDeveloperIDFromContext(c); ok {
		return devID.String()
	}
	if h := c.GetString("client_hash"); h != "" {
		return "ip:" + h
	}
	return "anonymous"
}

func getScoreHistoryHandler(scoreRepo *repositories.ScoreRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		if !chain.IsValidAddress(wallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": scoring.CodeInvalidWallet, "message": "invalid wallet address"})
			return
		}
		wallet = chain.NormalizeAddress(wallet)

		limit := getIntParam(c, "limit", 30)
		if limit > 100 {
			limit = 100
		}

		history, err := scoreRepo.GetHistory(c.Request.Context(), wallet, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": scoring.CodeStoreError, "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"wallet":  wallet,
			"history": history,
		})
	}
}

func getTrajectoryHandler(scoreRepo *repositories.ScoreRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		if !chain.IsValidAddress(wallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": scoring.CodeInvalidWallet, "message": "invalid wallet address"})
			return
		}
		wallet = chain.NormalizeAddress(wallet)

		history, err := scoreRepo.GetHistory(c.Request.Context(), wallet, 30)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": scoring.CodeStoreError, "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"wallet":     wallet,
			"trajectory": scoring.ComputeTrajectory(history),
		})
	}
}

func refreshScoreHandler(streamClient *queue.RedisStreamClient, maxQueue int) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		if !chain.IsValidAddress(wallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": scoring.CodeInvalidWallet, "message": "invalid wallet address"})
			return
		}
		wallet = chain.NormalizeAddress(wallet)

		// Refuse when the refresh stream is already backed up.
		if info, err := streamClient.GetStreamInfo(c.Request.Context()); err == nil {
			if info.Length > int64(maxQueue*refreshBacklogFactor) {
				c.Header("Retry-After", "30")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":       scoring.CodeQueueFull,
					"message":     "refresh backlog full",
					"retry_after": 30,
				})
				return
			}
		}

		event := &models.RefreshEvent{
			Wallet:     wallet,
			Force:      true,
			EnqueuedAt: time.Now().UTC(),
		}
		msgID, err := streamClient.PublishRefresh(c.Request.Context(), event)
		if err != nil {
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":       scoring.CodeQueueFull,
				"message":     err.Error(),
				"retry_after": 30,
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":     "queued",
			"wallet":     wallet,
			"message_id": msgID,
		})
	}
}

// Community write-side handlers

func fileReportHandler(ingestionService *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.ReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		resp, err := ingestionService.FileReport(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ingestion.ErrInvalidWallet) || errors.Is(err, ingestion.ErrSelfReport) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": "report_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func submitRatingHandler(ingestionService *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.RatingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		resp, err := ingestionService.SubmitRating(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ingestion.ErrInvalidWallet) || errors.Is(err, ingestion.ErrSelfReport) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": "rating_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func registerProfileHandler(ingestionService *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		resp, err := ingestionService.RegisterProfile(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ingestion.ErrInvalidWallet) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": "profile_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func getProfileHandler(ingestionService *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")

		resp, err := ingestionService.GetProfile(c.Request.Context(), wallet)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ingestion.ErrInvalidWallet):
				status = http.StatusBadRequest
			case errors.Is(err, repositories.ErrProfileNotFound):
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": "profile_lookup_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// Analytics handlers

func getDistributionHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dist, err := analyticsService.GetScoreDistribution(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, dist)
	}
}

func getFlaggedWalletsHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		resp, err := analyticsService.GetFlaggedWallets(c.Request.Context(), page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getEconomyHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 24)
		if limit > 168 {
			limit = 168
		}

		rows, err := analyticsService.GetEconomyMetrics(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"economy": rows})
	}
}

func getAnomaliesHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 50)
		if limit > 200 {
			limit = 200
		}

		events, err := analyticsService.GetRecentAnomalies(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"anomalies": events})
	}
}

func getHourlyVolumeHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dateStr := c.Query("date")
		var date time.Time
		var err error

		if dateStr != "" {
			date, err = time.Parse("2006-01-02", dateStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid date format, use YYYY-MM-DD"})
				return
			}
		} else {
			date = time.Now().UTC()
		}

		volumes, err := analyticsService.GetHourlyQueryVolume(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"volumes": volumes})
	}
}

func getSystemMetricsHandler(analyticsService *analytics.AnalyticsService, streamClient *queue.RedisStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := analyticsService.GetSystemMetrics(c.Request.Context(), streamClient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_failed", "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, metrics)
	}
}

// Health handlers

func readyHandler(db *repositories.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		if result, err := strconv.Atoi(val); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
