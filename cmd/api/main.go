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

	"github.com/lobbyscope/backend/internal/api/handlers"
	"github.com/lobbyscope/backend/internal/cache/redis"
	"github.com/lobbyscope/backend/internal/chunker"
	"github.com/lobbyscope/backend/internal/ingestion"
	"github.com/lobbyscope/backend/internal/llm"
	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/internal/middleware/ratelimit"
	"github.com/lobbyscope/backend/internal/middleware/security"
	"github.com/lobbyscope/backend/internal/middleware/validation"
	"github.com/lobbyscope/backend/internal/parser"
	"github.com/lobbyscope/backend/internal/rerank"
	"github.com/lobbyscope/backend/internal/retriever"
	"github.com/lobbyscope/backend/internal/stance"
	"github.com/lobbyscope/backend/internal/storage/sqlite"
	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/internal/vector/milvus"
	"github.com/lobbyscope/backend/pkg/config"
	appLogger "github.com/lobbyscope/backend/pkg/logger"
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

	appLogger.Info("Starting LobbyScope API server")

	metrics.Init()

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	ctx := context.Background()

	store, err := milvus.NewStore(ctx, cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	if err := store.EnsureCollection(ctx); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	index := vector.NewIndex(store)
	defer index.Close()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, running without cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		JudgmentModel:  cfg.LLM.JudgmentModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbeddingDim:   cfg.LLM.EmbeddingDim,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	parserTimeout := time.Duration(cfg.Parser.TimeoutSec) * time.Second
	docParser := parser.New(
		parser.NewLayoutBackend(cfg.Parser.LayoutEndpoint, parserTimeout),
		parser.NewPlainBackend(cfg.Parser.PlainEndpoint, parserTimeout),
		parser.Config{
			Strategy:    cfg.Parser.Strategy,
			LargeFileMB: cfg.Parser.LargeFileMB,
			SaveParsed:  cfg.Parser.SaveParsed,
			OutputDir:   cfg.Parser.OutputDir,
			Device:      cfg.Parser.Device,
			ThreadCount: cfg.Parser.ThreadCount,
		},
	)

	docChunker := chunker.New(llmClient, cfg.Chunker)

	orchestrator := ingestion.NewOrchestrator(
		docParser,
		docChunker,
		llmClient,
		index,
		db,
		invalidator(cache),
		cfg.Parser.Strategy,
		cfg.Parser.DefaultLanguage,
	)

	reranker := rerank.NewClient(cfg.Rerank)
	docRetriever := retriever.New(llmClient, index, reranker, embeddingCache(cache), cfg.Retrieval)
	aggregator := stance.NewAggregator(llmClient, cfg.Stance)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	documentHandler := handlers.NewDocumentHandler(orchestrator)
	retrieveHandler := handlers.NewRetrieveHandler(docRetriever, aggregator, db, responseCache(cache))
	collectionsHandler := handlers.NewCollectionsHandler(db)
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	api := app.Group("/api/v1")

	api.Post("/documents", documentHandler.UploadDocument)
	api.Delete("/documents", documentHandler.DeleteDocument)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)
	api.Get("/documents/status", documentHandler.GetStatus)

	api.Get("/retrieve", retrieveHandler.Retrieve)
	api.Get("/rag", retrieveHandler.AssessStance)
	api.Get("/verdicts", retrieveHandler.ListVerdicts)

	api.Get("/collections/count", collectionsHandler.Count)
	api.Get("/collections/unique", collectionsHandler.Unique)
	api.Get("/collections/files", collectionsHandler.Files)

	app.Get("/ws/ingest", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := db.CountDocuments(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

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

// The typed-nil guards below keep a missing redis client from becoming a
// non-nil interface holding a nil pointer.

func invalidator(cache *redis.Client) ingestion.Invalidator {
	if cache == nil {
		return nil
	}
	return cache
}

func embeddingCache(cache *redis.Client) retriever.EmbeddingCache {
	if cache == nil {
		return nil
	}
	return cache
}

func responseCache(cache *redis.Client) handlers.ResponseCache {
	if cache == nil {
		return nil
	}
	return cache
}
