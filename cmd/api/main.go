package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/app"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	objectstore "github.com/noah-isme/gema-grader/pkg/minio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	core, err := app.NewCore(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise grading core: %v", err)
	}
	defer core.Close()

	storage, err := newScriptStorage(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create script storage: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	evaluationService := service.NewEvaluationService(core.Evaluations, core.Orchestrator, validate, logger)
	submissionService := service.NewSubmissionService(
		core.Evaluations,
		core.Submissions,
		core.Orchestrator,
		storage,
		core.Redis,
		core.Progress,
		validate,
		service.SubmissionServiceConfig{
			MaxScriptSizeMB: cfg.MaxScriptSizeMB,
			StatsCacheTTL:   cfg.StatsCacheTTL,
		},
		logger,
	)

	startGuard := middleware.RateLimit("evaluation-start", cfg.StartRateLimit, cfg.StartRateWindow)
	evaluationHandler := handler.NewEvaluationHandler(evaluationService, validate, startGuard, logger)
	submissionHandler := handler.NewSubmissionHandler(submissionService, validate, logger)
	progressHandler := handler.NewProgressHandler(evaluationService, core.Progress, logger)

	fiberApp := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MaxScriptSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(fiberApp, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(fiberApp, cfg, router.Dependencies{
		EvaluationHandler: evaluationHandler,
		SubmissionHandler: submissionHandler,
		ProgressHandler:   progressHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		RoleGuard:         middleware.RequireRole("teacher", "admin"),
		HealthProbes: []handler.HealthProbe{
			{Name: "postgres", Check: func(ctx context.Context) error {
				sqlDB, err := core.DB.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			{Name: "redis", Check: func(ctx context.Context) error {
				return core.Redis.Ping(ctx).Err()
			}},
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core.Progress.Start(ctx)

	workersDone := make(chan struct{})
	if cfg.EmbeddedWorkers {
		go func() {
			defer close(workersDone)
			if err := core.RunWorkers(ctx, logger); err != nil {
				logger.Error().Err(err).Msg("grading workers exited")
			}
		}()
	} else {
		close(workersDone)
	}

	go func() {
		if err := fiberApp.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, fiberApp, workersDone)
}

func newScriptStorage(cfg config.Config, logger zerolog.Logger) (service.FileStorage, error) {
	if cfg.StorageDriver == "minio" {
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	return cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, workersDone <-chan struct{}) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Println("grading workers did not stop in time")
	}

	log.Println("server stopped")
}
