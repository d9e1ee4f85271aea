package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/ai"
	"appforge/internal/auth"
	"appforge/internal/cache"
	"appforge/internal/config"
	"appforge/internal/db"
	"appforge/internal/handlers"
	"appforge/internal/logging"
	"appforge/internal/metrics"
	"appforge/internal/middleware"
	"appforge/internal/sandbox"
	"appforge/internal/templates"
	"appforge/internal/wstoken"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()
	log.Info("starting appforge", zap.String("version", Version), zap.String("environment", cfg.Environment))

	if err := config.ValidateAndLogSecrets(log); err != nil {
		if config.IsProductionEnvironment() {
			log.Fatal("refusing to start with invalid secrets", zap.Error(err))
		}
		log.Warn("continuing with invalid secrets outside production")
	}
	metrics.Get().SetBuildInfo(Version, cfg.Environment)

	database, err := db.Open(db.Config{URL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	// Token cache: redis when configured, memory otherwise.
	mem := cache.NewMemoryCache(5*time.Minute, 10000)
	var (
		tokenCache  cache.Cache = mem
		redisClient *db.RedisClient
		cacheHealth handlers.CacheHealth
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = db.NewRedisClient(ctx, db.DefaultRedisConfig(cfg.RedisURL))
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-memory token cache", zap.Error(err))
			redisClient = nil
		} else {
			tokenCache = cache.NewRedisCache(redisClient.Client(), mem)
			cacheHealth = redisClient
			log.Info("redis token cache enabled")
		}
	}
	tokens := wstoken.NewService(tokenCache, cfg.WSTokenTTL)
	authService := auth.NewAuthService(cfg.JWTSecret)

	executor := ai.NewExecutor(ai.NewModelRouter(nil), ai.ProvidersFromConfig(cfg)...)
	factory := sandbox.NewFactory(cfg.SandboxServiceURL, cfg.SandboxAPIKey)
	selector := templates.NewSelector(factory.Client("template-selector"), templates.NewAIPicker(executor))

	hub := agents.NewHub(nil)
	directory := agents.NewDirectory(agents.Deps{
		Store:     agents.NewGormStateStore(database.DB),
		Executor:  executor,
		Sandbox:   agents.FactoryDialer(factory),
		Templates: selector,
		Events:    hub,
		Options: agents.Options{
			MaxDebugCalls:  cfg.MaxDebugCalls,
			WebhookBaseURL: webhookBaseURL(cfg.PublicHost),
		},
	})
	hub.SetHandler(directory)

	agentHandler := handlers.NewAgentHandler(handlers.Deps{
		Config:       cfg,
		Agents:       directory,
		Hub:          hub,
		Templates:    selector,
		Tokens:       tokens,
		Credits:      handlers.NewGormCreditService(database.DB),
		Apps:         handlers.NewGormAppService(database.DB),
		ModelConfigs: handlers.NewGormModelConfigService(database.DB),
	})

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	router := setupRouter(cfg, limiter)
	router.GET("/health", handlers.Health(database, cacheHealth, Version))
	router.GET("/metrics", metrics.PrometheusHandler())
	agentHandler.RegisterRoutes(router,
		middleware.RequireAuth(authService, tokens),
		middleware.OptionalAuth(authService, tokens))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received signal, starting graceful shutdown", zap.String("signal", sig.String()))

	// 1. Stop accepting requests and drain in-flight ones
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	// 2. Stop agents, then close their sockets
	directory.Shutdown()
	hub.Close()

	// 3. Release shared resources
	sandbox.DefaultQueue().Close()
	limiter.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close error", zap.Error(err))
		}
	}
	mem.Close()
	if err := database.Close(); err != nil {
		log.Warn("database close error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func setupRouter(cfg *config.Config, limiter *middleware.IPRateLimiter) *gin.Engine {
	if config.IsProductionEnvironment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RateLimit(limiter))
	router.Use(metrics.PrometheusMiddleware())
	return router
}

// webhookBaseURL returns the externally reachable origin sandboxes call back,
// or "" when no public host is configured.
func webhookBaseURL(publicHost string) string {
	host := strings.TrimRight(strings.TrimSpace(publicHost), "/")
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
