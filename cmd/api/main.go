// The API server. Build with -tags sqlite_fts5 (CGO enabled) to get
// the FTS5 lexical index; without the tag, lexical search falls back to
// a slower term scan over the chunk rows.
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

	"github.com/raghub/backend/internal/api"
	"github.com/raghub/backend/internal/api/handlers"
	"github.com/raghub/backend/internal/blob/s3"
	"github.com/raghub/backend/internal/cache/redis"
	"github.com/raghub/backend/internal/history"
	"github.com/raghub/backend/internal/idempotency"
	"github.com/raghub/backend/internal/ingestion"
	"github.com/raghub/backend/internal/llm"
	"github.com/raghub/backend/internal/metrics"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/internal/middleware/ratelimit"
	"github.com/raghub/backend/internal/middleware/security"
	"github.com/raghub/backend/internal/middleware/validation"
	"github.com/raghub/backend/internal/retrieval"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/internal/vector/milvus"
	"github.com/raghub/backend/pkg/config"
	appLogger "github.com/raghub/backend/pkg/logger"
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

	appLogger.Info("Starting RAG Hub API Server")

	metrics.Init()

	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	directory, err := tenant.NewDirectory(
		cfg.Directory.Path,
		cfg.Directory.PartitionDir,
		redisClient,
		time.Duration(cfg.Directory.CacheTTLSec)*time.Second,
	)
	if err != nil {
		appLogger.Fatal("Failed to open tenant directory", zap.Error(err))
	}
	defer directory.Close()

	router := tenant.NewRouter(directory)
	defer router.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Vector.Endpoint,
		cfg.Vector.APIKey,
		cfg.Vector.CollectionName,
		cfg.Vector.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	blobClient, err := s3.NewClient(
		context.Background(),
		cfg.Blob.Region,
		cfg.Blob.Endpoint,
		cfg.Blob.Bucket,
		cfg.Blob.ForcePathStyle,
		cfg.Blob.PresignTTLSec,
	)
	if err != nil {
		appLogger.Fatal("Failed to create blob client", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.Ingestion.EmbedBatchSize,
		cfg.LLM.TimeoutSec,
	)

	pipeline, err := ingestion.NewPipeline(llmClient, milvusClient, blobClient, cfg.Ingestion)
	if err != nil {
		appLogger.Fatal("Failed to create ingestion pipeline", zap.Error(err))
	}
	defer pipeline.Release()

	recorder := history.NewRecorder()
	engine := retrieval.NewEngine(llmClient, milvusClient, recorder, cfg.Retrieval)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
		ErrorHandler: api.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Idempotency-Key",
		AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	authMiddleware := authmw.New(cfg.Auth.JWTSecret, router)
	idemStore := idempotency.NewStore(redisClient)

	chatHandler := handlers.NewChatHandler(engine, recorder)
	documentHandler := handlers.NewDocumentHandler(pipeline, blobClient, milvusClient, cfg.Ingestion)
	categoryHandler := handlers.NewCategoryHandler()
	userHandler := handlers.NewUserHandler()
	tenantHandler := handlers.NewTenantHandler(directory, router, milvusClient, cfg.Auth.OpsToken)

	root := app.Group("/api/v1")

	root.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "time": time.Now().Unix()})
	})
	root.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ready"})
	})
	root.Get("/metrics", metrics.MetricsHandler())

	// Control plane: operator token, no tenant context.
	ops := root.Group("/tenants", tenantHandler.RequireOps())
	ops.Post("/", tenantHandler.Onboard)
	ops.Get("/", tenantHandler.List)
	ops.Patch("/:id/status", tenantHandler.SetStatus)

	// Tenant-scoped routes: JWT resolves the tenant scope and
	// principal, then rate limiting keys on the tenant.
	scoped := root.Group("", authMiddleware.Handler())
	scoped.Use(rateLimiter.Middleware())
	scoped.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	scoped.Post("/chat/query", chatHandler.HandleQuery)
	scoped.Get("/chat/history", chatHandler.GetHistory)
	scoped.Get("/events", chatHandler.GetEvents)

	scoped.Post("/documents", idemStore.Middleware(), documentHandler.CreateUpload)
	scoped.Get("/documents", documentHandler.List)
	scoped.Get("/documents/:id", documentHandler.Get)
	scoped.Get("/documents/:id/status", documentHandler.Status)
	scoped.Post("/documents/:id/ingest", idemStore.Middleware(), documentHandler.Ingest)
	scoped.Delete("/documents/:id", idemStore.Middleware(), documentHandler.Delete)

	scoped.Post("/categories", categoryHandler.Create)
	scoped.Get("/categories", categoryHandler.List)
	scoped.Delete("/categories/:id", categoryHandler.Delete)

	scoped.Post("/users", userHandler.Create)
	scoped.Get("/users", userHandler.List)
	scoped.Get("/users/:id", userHandler.Get)
	scoped.Patch("/users/:id/role", userHandler.SetRole)
	scoped.Put("/users/:id/categories", userHandler.AssignCategories)
	scoped.Patch("/users/:id/mode", userHandler.SetMode)
	scoped.Delete("/users/:id", userHandler.Delete)

	scoped.Patch("/tenant/mode", tenantHandler.SetDefaultMode)
	scoped.Get("/tenant/profile", tenantHandler.GetProfile)
	scoped.Put("/tenant/profile", tenantHandler.SetProfile)

	wsHandler := handlers.NewWebSocketHandler(engine)
	scoped.Use("/chat/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	scoped.Get("/chat/stream", websocket.New(wsHandler.HandleConnection))

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
