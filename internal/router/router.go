package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler *handler.EvaluationHandler
	SubmissionHandler *handler.SubmissionHandler
	ProgressHandler   *handler.ProgressHandler
	JWTMiddleware     fiber.Handler
	RoleGuard         fiber.Handler
	HealthProbes      []handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	// Use provided middleware, or a no-op if nil
	noop := func(c *fiber.Ctx) error { return c.Next() }
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = noop
	}
	roleGuard := deps.RoleGuard
	if roleGuard == nil {
		roleGuard = noop
	}

	if deps.EvaluationHandler != nil || deps.ProgressHandler != nil {
		evaluations := api.Group("/evaluations", jwtMiddleware, roleGuard)
		if deps.ProgressHandler != nil {
			deps.ProgressHandler.Register(evaluations)
		}
		if deps.EvaluationHandler != nil {
			deps.EvaluationHandler.Register(evaluations)
		}
	}

	if deps.SubmissionHandler != nil {
		submissions := api.Group("/submissions", jwtMiddleware, roleGuard)
		deps.SubmissionHandler.Register(submissions)
	}
}
