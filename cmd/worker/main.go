package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/app"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.QueueDriver == "memory" {
		log.Fatal("standalone workers need the redis queue driver")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName+" worker").Logger()

	core, err := app.NewCore(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise grading core: %v", err)
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := fiber.New(fiber.Config{DisableStartupMessage: true})
	metrics.Get("/metrics", observability.MetricsHandler())
	go func() {
		if err := metrics.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("metrics listener stopped")
		}
	}()

	if err := core.RunWorkers(ctx, logger); err != nil {
		logger.Error().Err(err).Msg("grading workers exited")
	}

	if err := metrics.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown failed")
	}
	log.Println("worker stopped")
}
