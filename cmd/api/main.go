package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/analytics"
	"github.com/product-insights/backend/internal/api/handlers"
	"github.com/product-insights/backend/internal/cache/redis"
	"github.com/product-insights/backend/internal/extract"
	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/internal/insightstore"
	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/internal/middleware/ratelimit"
	"github.com/product-insights/backend/internal/middleware/security"
	"github.com/product-insights/backend/internal/middleware/validation"
	"github.com/product-insights/backend/internal/pipeline"
	"github.com/product-insights/backend/internal/query"
	"github.com/product-insights/backend/internal/rawstore"
	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/source/reddit"
	"github.com/product-insights/backend/internal/source/slack"
	"github.com/product-insights/backend/internal/source/twitter"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/config"
	appLogger "github.com/product-insights/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Product Insights API Server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.CacheTTL)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, running without response cache", zap.Error(err))
			cache = nil
		}
		defer cache.Close()
	}

	detector := filter.NewChangeDetector(sqliteClient, cfg.Collector.Incremental)

	fetchers := []source.Fetcher{
		reddit.NewClient(cfg.Reddit, cfg.Collector, detector),
	}
	if cfg.Twitter.Enabled {
		fetchers = append(fetchers, twitter.NewClient(cfg.Twitter, cfg.Collector, detector))
	}
	if cfg.Slack.Enabled {
		fetchers = append(fetchers, slack.NewClient(cfg.Slack, cfg.Collector, detector))
	}

	rawStore := rawstore.NewStore(sqliteClient)
	insightStore := insightstore.NewStore(sqliteClient, cfg.Insights)
	extractor := extract.NewOpenAIExtractor(cfg.LLM)

	runner := pipeline.NewRunner(fetchers, rawStore, insightStore, extractor)
	registry := pipeline.NewRegistry(sqliteClient, runner)
	registry.OnFinish(func(run models.Run) {
		if run.Status == models.RunStatusSucceeded {
			if err := cache.Invalidate(context.Background()); err != nil {
				appLogger.Warn("Failed to invalidate response cache", zap.Error(err))
			}
		}
	})

	queryService := query.NewService(sqliteClient)
	aggregator := analytics.NewAggregator(sqliteClient, cfg.Insights)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	insightsHandler := handlers.NewInsightsHandler(queryService, cache)
	analyticsHandler := handlers.NewAnalyticsHandler(aggregator, cache)
	runsHandler := handlers.NewRunsHandler(registry)
	configHandler := handlers.NewConfigHandler(sqliteClient, cfg.Collector)
	wsHandler := handlers.NewWebSocketHandler(registry)

	api := app.Group("/api/v1")

	api.Get("/insights", insightsHandler.HandleList)
	api.Get("/insights/:insightId", insightsHandler.HandleGet)

	api.Get("/analytics/summary", analyticsHandler.HandleSummary)
	api.Get("/analytics/trends", analyticsHandler.HandleTrends)
	api.Get("/analytics/competitors", analyticsHandler.HandleCompetitors)

	api.Post("/trigger", runsHandler.HandleTrigger)
	api.Get("/status/:executionName", runsHandler.HandleStatus)
	api.Get("/executions", runsHandler.HandleList)
	api.Delete("/executions/:executionName", runsHandler.HandleCancel)

	api.Get("/config", configHandler.HandleGet)
	api.Put("/config", configHandler.HandlePut)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/runs/:executionName", websocket.New(wsHandler.HandleRunStream))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		if err := sqliteClient.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  "storage unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	go purgeLoop(sqliteClient)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

// purgeLoop evicts expired insights on a daily cadence.
func purgeLoop(db *sqlite.Client) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := db.PurgeExpired(ctx); err != nil {
			appLogger.Warn("Failed to purge expired insights", zap.Error(err))
		}
		cancel()
	}
}
