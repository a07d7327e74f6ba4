package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"strings"
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
	"golang.org/x/sync/errgroup"

	"github.com/opsdash/splitmanager/internal/auth"
	"github.com/opsdash/splitmanager/internal/client"
	"github.com/opsdash/splitmanager/internal/config"
	"github.com/opsdash/splitmanager/internal/handler"
	"github.com/opsdash/splitmanager/internal/logging"
	"github.com/opsdash/splitmanager/internal/middleware"
	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/internal/service"
	"github.com/opsdash/splitmanager/internal/store"
	"github.com/opsdash/splitmanager/internal/sweeper"
	ws "github.com/opsdash/splitmanager/internal/websocket"
	"github.com/opsdash/splitmanager/internal/worker"
	"github.com/opsdash/splitmanager/pkg/response"
)

// @title          Split Manager API
// @version        1.0
// @description    Upload spreadsheets, split them by a column and follow processing status.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	var fileStore store.FileStore = store.NewRedisFileStore(redisClient, cfg.Redis.FileTTL)

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		zl.Warn("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		if cfg.Server.Env == "development" {
			zl.Warn("using in-memory file store, records are lost on restart")
			fileStore = store.NewMemoryFileStore()
		}
	}
	cancelPing()

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Object storage (optional - in-memory when not configured)
	var storage client.StorageClient
	if cfg.Storage.IsConfigured() {
		s3Client, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			zl.Fatal("failed to initialize object storage", zap.Error(err))
		}
		storage = s3Client
	} else {
		zl.Warn("object storage not configured, using in-memory storage")
		storage = client.NewMemoryStorage()
	}

	// OIDC JWKS verifier (optional - falls back to HMAC tokens)
	var verifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			zl.Warn("JWKS verifier not initialized", zap.String("issuer", cfg.OIDC.Issuer), zap.Error(err))
		} else {
			defer jwksVerifier.Close()
			verifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)

	// Services
	validate := validator.New()
	splitService := service.NewSplitService(fileStore, storage, asynqClient, zl.Named("service"))

	// Watch hub
	hub := ws.NewHub(splitService, zl.Named("hub"),
		poller.WithInterval(cfg.Poll.Interval),
		poller.WithMaxDuration(cfg.Poll.MaxDuration),
		poller.WithLogger(zl.Named("poller")),
	)

	// Handlers
	splitHandler := handler.NewSplitHandler(splitService, validate, cfg.Upload.MaxBytes)
	healthHandler := handler.NewHealthHandler(fileStore, cfg.Storage.IsConfigured(), verifier != nil || cfg.JWT.Secret != "")

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(redisClient, zl.Named("ratelimit"))

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.Upload.MaxBytes) + 1024*1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", healthHandler.Root)
	app.Get("/health", healthHandler.Health)

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	splits := api.Group("/splits")
	splits.Post("/", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), splitHandler.Upload)
	splits.Get("/", splitHandler.List)
	splits.Get("/:id/status", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), splitHandler.Status)
	splits.Get("/:id/result", splitHandler.Result)
	splits.Post("/:id/pause", splitHandler.Pause)
	splits.Post("/:id/resume", splitHandler.Resume)
	splits.Post("/:id/approve", splitHandler.Approve)
	splits.Delete("/:id", splitHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/splits", authMiddleware.AuthenticateQuery(), websocket.New(func(c *websocket.Conn) {
		ownerID, _ := c.Locals("userId").(string)
		hub.HandleConnection(c, ownerID)
	}))

	// Asynq worker server
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			model.QueueSplits: 1,
		},
		Logger:   logging.NewAsynqLogger(zl.Named("asynq")),
		LogLevel: logging.AsynqLevel(cfg.Server.LogLevel),
	})

	splitWorker := worker.NewSplitWorker(splitService, storage, zl.Named("worker"), worker.Options{
		SampleRows:  cfg.Worker.SampleRows,
		Parallelism: cfg.Worker.Parallelism,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(model.TaskTypeSplitProcess, splitWorker.ProcessTask)

	staleSweeper := sweeper.New(splitService, cfg.Sweeper.Schedule, cfg.Sweeper.StaleAfter, zl.Named("sweeper"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return srv.Start(mux)
	})

	g.Go(func() error {
		return staleSweeper.Start()
	})

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		zl.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
		return app.Listen(addr)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zl.Error("server shutdown error", zap.Error(err))
		}
		srv.Shutdown()
		staleSweeper.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("server stopped", zap.Error(err))
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
