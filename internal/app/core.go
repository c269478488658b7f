// Package app assembles the grading components shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

// Core holds the connections and services every process needs.
type Core struct {
	DB           *gorm.DB
	Redis        *redis.Client
	NATS         *nats.Conn
	Evaluations  repository.EvaluationRepository
	Submissions  repository.EvaluationSubmissionRepository
	Jobs         repository.GradingJobRepository
	Queue        queue.Queue
	Progress     service.ProgressService
	Orchestrator service.Orchestrator
}

// NewCore connects to postgres, redis and, when configured, NATS, then builds
// the orchestrator around the configured queue driver and grading oracle.
func NewCore(cfg config.Config, logger zerolog.Logger) (*Core, error) {
	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxConns,
		MaxIdleConns:    cfg.Workers,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	core := &Core{
		DB:          db,
		Redis:       redisClient,
		Evaluations: repository.NewEvaluationRepository(db),
		Submissions: repository.NewEvaluationSubmissionRepository(db),
		Jobs:        repository.NewGradingJobRepository(db),
	}

	if cfg.NATSURL != "" {
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			core.Close()
			return nil, err
		}
		core.NATS = conn
	}

	switch cfg.QueueDriver {
	case "memory":
		core.Queue = queue.NewMemoryQueue()
	default:
		redisQueue := queue.NewRedisQueue(redisClient, cfg.QueuePrefix, logger)
		redisQueue.SetLeaseTTL(cfg.QueueLeaseTTL)
		core.Queue = redisQueue
	}

	grader, err := newGrader(cfg, logger)
	if err != nil {
		core.Close()
		return nil, err
	}

	core.Progress = service.NewProgressService(redisClient, core.NATS, cfg.EventChannelBase, logger)
	core.Orchestrator = service.NewOrchestrator(
		core.Evaluations,
		core.Submissions,
		core.Jobs,
		core.Queue,
		grader,
		core.Progress,
		service.OrchestratorConfig{
			Workers:       cfg.Workers,
			MaxAttempts:   cfg.MaxAttempts,
			BaseBackoff:   cfg.BaseBackoff,
			MaxBackoff:    cfg.MaxBackoff,
			OracleTimeout: cfg.OracleTimeout,
			Limiter:       rate.NewLimiter(rate.Limit(cfg.OracleRPS), cfg.OracleBurst),
		},
		logger,
	)

	return core, nil
}

// RunWorkers recovers outstanding jobs and then blocks running the worker pool.
func (c *Core) RunWorkers(ctx context.Context, logger zerolog.Logger) error {
	recovered, err := c.Orchestrator.Recover(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("grading recovery incomplete")
	} else if recovered > 0 {
		logger.Info().Int("jobs", recovered).Msg("outstanding grading jobs recovered")
	}
	return c.Orchestrator.Run(ctx)
}

// Close releases the queue lease and the external connections. Workers must
// have returned by then.
func (c *Core) Close() {
	if closer, ok := c.Queue.(interface{ Close() }); ok {
		closer.Close()
	}
	if c.NATS != nil {
		c.NATS.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func newGrader(cfg config.Config, logger zerolog.Logger) (ai.Grader, error) {
	switch cfg.AIProvider {
	case "openai", "":
		return ai.NewOpenAIGrader(ai.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			MaxTokens:   cfg.OpenAIMaxTokens,
			Temperature: cfg.OpenAITemperature,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}
}
