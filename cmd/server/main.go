package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/bus"
	"github.com/songforge/pipeline/internal/config"
	"github.com/songforge/pipeline/internal/gateway"
	"github.com/songforge/pipeline/internal/handler"
	"github.com/songforge/pipeline/internal/model"
	"github.com/songforge/pipeline/internal/queue"
	"github.com/songforge/pipeline/internal/service"
	"github.com/songforge/pipeline/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := newLogger(cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	// Shared broker connections: one Redis pool for records and pub/sub,
	// one asynq client/inspector pair for the queues. Injected everywhere
	// so nothing opens its own connection under load.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Warn("redis not available", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Queue layer
	store := queue.NewJobStore(redisClient, cfg.Retention.CompletedAge)
	jobQueue := queue.New(asynqClient, inspector, store, cfg.Retry.MaxAttempts, cfg.Retention.CompletedAge, zlog)

	// Event bus
	eventBus := bus.NewRedisBus(redisClient, zlog)

	// Services and handlers
	validate := validator.New()
	pipelineService := service.NewPipelineService(jobQueue, zlog)
	jobsHandler := handler.NewJobsHandler(pipelineService, validate)
	gw := gateway.New(jobQueue, eventBus, cfg.Stream.HeartbeatInterval, zlog)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api")
	api.Post("/pipelines", jobsHandler.StartPipeline)
	api.Post("/sections/regenerate", jobsHandler.RegenerateSection)
	api.Get("/jobs/:jobId/status", jobsHandler.Status)

	// Streaming endpoint
	app.Get("/jobs/:jobId/events", gw.StreamEvents)

	// Websocket alternative
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		gw.HandleWebsocket(c, c.Params("jobId"))
	}))

	// Worker pools, one per stage queue
	pools := startPools(cfg, redisOpt, store, eventBus, jobQueue, zlog)

	// Completed-job retention sweep
	janitorCtx, cancelJanitor := context.WithCancel(ctx)
	janitor := queue.NewJanitor(inspector, cfg.Retention.CompletedCap, cfg.Retention.JanitorInterval, zlog)
	go janitor.Run(janitorCtx)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down")
		cancelJanitor()
		for _, p := range pools {
			p.Shutdown()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Error("server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zlog.Info("server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

func startPools(cfg *config.Config, redisOpt asynq.RedisClientOpt, store *queue.JobStore, eventBus bus.Bus, jobQueue *queue.Queue, zlog *zap.Logger) []*worker.Pool {
	pipeline := worker.NewPipeline(jobQueue, eventBus, 2*time.Second, zlog)

	handlers := map[model.QueueName]map[string]worker.StageFunc{
		model.QueuePlan:        {worker.TaskSongGenerate: pipeline.SongGenerate},
		model.QueueAnalyze:     {worker.TaskAudioAnalyze: pipeline.AudioAnalyze},
		model.QueueMelody:      {worker.TaskMelodyGenerate: pipeline.MelodyGenerate},
		model.QueueMusicRender: {worker.TaskStemRender: pipeline.StemRender},
		model.QueueVocalRender: {worker.TaskVocalRender: pipeline.VocalRender},
		model.QueueMix:         {worker.TaskMixMaster: pipeline.MixMaster},
		model.QueueSimilarity:  {worker.TaskSimilarityCheck: pipeline.SimilarityCheck},
		model.QueueExport:      {worker.TaskExportBounce: pipeline.ExportBounce},
		model.QueueSection:     {worker.TaskSectionRegenerate: pipeline.SectionRegenerate},
	}

	pools := make([]*worker.Pool, 0, len(handlers))
	for queueName, tasks := range handlers {
		pool := worker.NewPool(redisOpt, queueName, cfg.Workers[queueName], cfg.Retry, store, eventBus, zlog)
		for taskType, fn := range tasks {
			pool.Handle(taskType, fn)
		}
		if err := pool.Start(); err != nil {
			zlog.Fatal("failed to start pool", zap.String("queue", string(queueName)), zap.Error(err))
		}
		pools = append(pools, pool)
	}
	return pools
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
