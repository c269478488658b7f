package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesGradingCollectors(t *testing.T) {
	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	GradingJobs().WithLabelValues("succeeded").Inc()
	QueueDepth().Set(3)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `grader_jobs_total{outcome="succeeded"}`)
	require.Contains(t, string(body), "grader_queue_depth 3")
}
