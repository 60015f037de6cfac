package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron"
	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/api/handlers"
	"github.com/socialsync/publisher/internal/api/middleware"
	job "github.com/socialsync/publisher/internal/jobs"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/queue"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/service"
	"github.com/socialsync/publisher/pkg/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	setupLogger(cfg.LogLevel)

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	ctx := context.Background()

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    100 * 1024 * 1024, // 100 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("unhandled error", "path", c.Path(), "error", err)
			if e, ok := err.(*fiber.Error); ok {
				return c.Status(e.Code).JSON(fiber.Map{"error": e.Message})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Something went wrong"})
		},
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Webhook-Secret",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	transactor := repository.NewTransactor(db)
	postRepo := repository.NewPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	dispatchRepo := repository.NewDispatchRepository(db)
	historyRepo := repository.NewPostingHistoryRepository(db)
	preferenceRepo := repository.NewPreferenceRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)
	apiKeyRepository := repository.NewApiKeyRepository(db)

	thumbnails, err := platform.NewYoutubeThumbnails(ctx, cfg.Google.YoutubeAPIKey)
	if err != nil {
		log.Fatalf("Failed to create youtube client: %v", err)
	}
	linkedin := platform.NewLinkedInClient(cfg.LinkedIn.APIURL, cfg.PlatformTimeout, cfg.LinkedIn.RequestsPerSecond, thumbnails)
	platforms := platform.NewRegistry(linkedin)

	store, err := service.NewR2Store(ctx, cfg.R2)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	dispatchService := service.NewDispatchService(dispatchRepo, queue.NewClient(client))
	limitsService := service.NewLimitsService(*cfg, historyRepo, socialAccountRepo)
	tokenService := service.NewTokenService(*cfg, socialAccountRepo, cipher, platforms)
	accountService := service.NewAccountService(*cfg, socialAccountRepo, limitsService, tokenService, platforms)
	postService := service.NewPostService(transactor, postRepo, socialAccountRepo, preferenceRepo, dispatchService, limitsService)
	publisherService := service.NewPublisherService(*cfg, postRepo, socialAccountRepo, limitsService, tokenService, platforms)
	preferenceService := service.NewPreferenceService(preferenceRepo)
	mediaService := service.NewMediaService(*cfg, store, mediaAssetRepo)
	apiKeyService := service.NewApiKeyService(apiKeyRepository)

	authMiddleware := middleware.NewAuthMiddleware(*cfg, apiKeyService)

	account := handlers.NewAccountHandler(accountService, *cfg)
	app.Get("/auth/:platform", authMiddleware.AuthMiddleware(), account.AddSocialAccount)
	app.Get("/auth/:platform/callback", account.CallbackHandler)

	webhooks := handlers.NewWebhookHandler(cfg.Webhooks, postService, publisherService)
	app.Post("/webhooks/publish", webhooks.Publish)
	app.Post("/webhooks/posts/status", webhooks.UpdateStatus)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(postService)
	api.Post("/posts", post.CreatePost)
	api.Get("/posts", post.ListPosts)
	api.Delete("/posts/:id", post.CancelPost)
	api.Post("/posts/:id/retry", post.RetryPost)
	api.Post("/content/:ref/approve", post.ApproveContent)

	limits := handlers.NewLimitsHandler(limitsService)
	api.Get("/limits/:platform", limits.GetLimits)

	preferences := handlers.NewPreferenceHandler(preferenceService)
	api.Get("/preferences", preferences.GetPreferences)
	api.Put("/preferences", preferences.UpdatePreferences)
	api.Get("/preferences/next", preferences.NextTrigger)

	media := handlers.NewMediaHandler(mediaService)
	api.Post("/media", media.Upload)
	api.Get("/media", media.ListMedia)

	// social accounts api routes
	api.Get("/accounts", account.ListSocialAccounts)
	api.Delete("/accounts/:id", account.ArchiveSocialAccount)
	api.Post("/accounts/:id/verify", account.VerifySocialAccount)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(socialAccountRepo, tokenService)
	sweeper := job.NewDueSweeper(postRepo, dispatchService, cfg.ProcessingLease)

	c := cron.New()
	if err := c.AddFunc(cfg.TokenRefreshSpec, refreshTokenJob.RefreshTokens); err != nil {
		log.Fatalf("Invalid token refresh schedule %q: %v", cfg.TokenRefreshSpec, err)
	}
	if err := c.AddFunc(cfg.SweepSpec, sweeper.Sweep); err != nil {
		log.Fatalf("Invalid sweep schedule %q: %v", cfg.SweepSpec, err)
	}
	c.Start()

	// queue
	queueW := queue.NewQueue(postRepo, dispatchService, publisherService)
	mux := asynq.NewServeMux()
	queueW.Register(mux)

	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	slog.Info("starting the asynq server", "concurrency", cfg.WorkerConcurrency)
	if err := server.Start(mux); err != nil {
		log.Fatalf("Could not start Asynq server: %v", err)
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	slog.Info("server is running", "port", cfg.Port)

	gracefulShutdown(app, server, c, db)
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, server *asynq.Server, c *cron.Cron, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	slog.Info("shutting down server")

	if err := app.Shutdown(); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	c.Stop()
	server.Shutdown()

	closeDB(db)
	slog.Info("server shutdown complete")
}
