package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

const manualResult = `{
  "ai_data": [
    {
      "image_index": 1,
      "question_id": "1",
      "question": "Define entropy.",
      "marks": 5,
      "marks_awarded": 3,
      "feedback": "Partial",
      "co": "CO1",
      "po": "PO1",
      "ai_confidence": 80,
      "teacher_intervention_required": false,
      "marking_scheme": [
        {"point": "definition", "mark": 3, "status": true},
        {"point": "units", "mark": 2, "status": false}
      ]
    },
    {
      "image_index": 2,
      "question_id": "2",
      "question": "State the second law.",
      "marks": 5,
      "marks_awarded": 4,
      "feedback": "Mostly right",
      "co": "CO2",
      "po": "PO1",
      "ai_confidence": 70,
      "teacher_intervention_required": true
    }
  ],
  "totalMarkAwarded": 7,
  "totalMarks": 10
}`

var testPDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type testScriptStorage struct{}

func (testScriptStorage) Upload(_ context.Context, name string, _ io.Reader) (string, error) {
	return "https://files.test/" + name, nil
}

type idleGrader struct{}

func (idleGrader) Grade(context.Context, ai.GradingRequest) (ai.GradingResponse, error) {
	return ai.GradingResponse{}, errors.New("grader not expected in handler tests")
}

type gradingApp struct {
	app      *fiber.App
	queue    *queue.MemoryQueue
	progress service.ProgressService
}

func setupGradingApp(t *testing.T, probes ...handler.HealthProbe) gradingApp {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)

	evaluationRepo := repository.NewEvaluationRepository(db)
	submissionRepo := repository.NewEvaluationSubmissionRepository(db)
	jobRepo := repository.NewGradingJobRepository(db)
	jobQueue := queue.NewMemoryQueue()
	progress := service.NewProgressService(nil, nil, "", logger)

	orchestrator := service.NewOrchestrator(evaluationRepo, submissionRepo, jobRepo, jobQueue, idleGrader{}, progress, service.OrchestratorConfig{Workers: 1}, logger)
	evaluationService := service.NewEvaluationService(evaluationRepo, orchestrator, validate, logger)
	submissionService := service.NewSubmissionService(evaluationRepo, submissionRepo, orchestrator, testScriptStorage{}, nil, progress, validate, service.SubmissionServiceConfig{MaxScriptSizeMB: 1}, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluationService, validate, nil, logger),
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, validate, logger),
		ProgressHandler:   handler.NewProgressHandler(evaluationService, progress, logger),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", uint(1))
			return c.Next()
		},
		HealthProbes: probes,
	})

	return gradingApp{app: app, queue: jobQueue, progress: progress}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details json.RawMessage `json:"details"`
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(t, app, req)
}

func send(t *testing.T, app *fiber.App, req *http.Request) (int, envelope) {
	t.Helper()

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp.StatusCode, result
}

func uploadScript(t *testing.T, app *fiber.App, submissionID uint, content []byte) (int, envelope) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("script", "scan.pdf")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/submissions/%d/script", submissionID), body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return send(t, app, req)
}

func createEvaluation(t *testing.T, app *fiber.App, students ...uint) dto.EvaluationResponse {
	t.Helper()

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/evaluations", dto.EvaluationCreateRequest{
		Name:             "Thermodynamics midterm",
		ClassID:          10,
		SectionID:        2,
		SubjectID:        7,
		TotalMarks:       10,
		QuestionPaperRef: "https://files.test/paper.pdf",
		StudentIDs:       students,
	})
	require.Equal(t, fiber.StatusCreated, status)

	var evaluation dto.EvaluationResponse
	require.NoError(t, json.Unmarshal(body.Data, &evaluation))
	return evaluation
}

func getEvaluation(t *testing.T, app *fiber.App, id uint) dto.EvaluationResponse {
	t.Helper()

	status, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/v1/evaluations/%d", id), nil)
	require.Equal(t, fiber.StatusOK, status)

	var evaluation dto.EvaluationResponse
	require.NoError(t, json.Unmarshal(body.Data, &evaluation))
	return evaluation
}

func TestEvaluationHandlerCreateListAndGet(t *testing.T) {
	env := setupGradingApp(t)

	created := createEvaluation(t, env.app, 101, 102, 102)
	require.Equal(t, "pending", created.Status)
	require.Equal(t, uint(1), created.CreatedBy)
	require.Equal(t, int64(2), created.Progress.Total)

	status, body := doJSON(t, env.app, http.MethodGet, "/api/v1/evaluations?class_id=10&page=1&page_size=5", nil)
	require.Equal(t, fiber.StatusOK, status)
	var list dto.EvaluationListResponse
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, int64(1), list.Pagination.TotalItems)

	status, _ = doJSON(t, env.app, http.MethodGet, "/api/v1/evaluations?class_id=abc", nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	evaluation := getEvaluation(t, env.app, created.ID)
	require.Len(t, evaluation.Submissions, 2)
	require.Equal(t, "submitted", evaluation.Submissions[0].Status)

	status, _ = doJSON(t, env.app, http.MethodGet, "/api/v1/evaluations/999", nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = doJSON(t, env.app, http.MethodGet, "/api/v1/evaluations/0", nil)
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestEvaluationHandlerRejectsInvalidCreate(t *testing.T) {
	env := setupGradingApp(t)

	status, body := doJSON(t, env.app, http.MethodPost, "/api/v1/evaluations", dto.EvaluationCreateRequest{
		Name:    "x",
		ClassID: 1,
	})
	require.Equal(t, fiber.StatusBadRequest, status)
	require.False(t, body.Success)
}

func TestEvaluationHandlerStartRequiresReadyBatch(t *testing.T) {
	env := setupGradingApp(t)
	created := createEvaluation(t, env.app, 101, 102)

	status, body := doJSON(t, env.app, http.MethodPost, fmt.Sprintf("/api/v1/evaluations/%d/start", created.ID), nil)
	require.Equal(t, fiber.StatusConflict, status)
	require.False(t, body.Success)

	evaluation := getEvaluation(t, env.app, created.ID)
	status, _ = uploadScript(t, env.app, evaluation.Submissions[0].ID, testPDF)
	require.Equal(t, fiber.StatusOK, status)
	status, _ = doJSON(t, env.app, http.MethodPost, fmt.Sprintf("/api/v1/submissions/%d/absent", evaluation.Submissions[1].ID), nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body = doJSON(t, env.app, http.MethodPost, fmt.Sprintf("/api/v1/evaluations/%d/start", created.ID), nil)
	require.Equal(t, fiber.StatusAccepted, status)

	var started dto.BatchStartResponse
	require.NoError(t, json.Unmarshal(body.Data, &started))
	require.Equal(t, "in-progress", started.Status)
	require.Equal(t, 1, started.Enqueued)
	require.Equal(t, 1, started.Outstanding)

	depth, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestSubmissionHandlerUploadRejectsBadScripts(t *testing.T) {
	env := setupGradingApp(t)
	evaluation := getEvaluation(t, env.app, createEvaluation(t, env.app, 101).ID)
	submissionID := evaluation.Submissions[0].ID

	status, _ := uploadScript(t, env.app, submissionID, []byte("plain text is not a script"))
	require.Equal(t, fiber.StatusUnsupportedMediaType, status)

	oversized := append(append([]byte{}, testPDF...), bytes.Repeat([]byte("0"), 2*1024*1024)...)
	status, _ = uploadScript(t, env.app, submissionID, oversized)
	require.Equal(t, fiber.StatusRequestEntityTooLarge, status)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/submissions/%d/script", submissionID), nil)
	status, _ = send(t, env.app, req)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body := uploadScript(t, env.app, submissionID, testPDF)
	require.Equal(t, fiber.StatusOK, status)
	var submission dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &submission))
	require.Equal(t, "uploaded", submission.Status)
	require.Contains(t, submission.ScriptRef, "https://files.test/")
}

func TestSubmissionHandlerReviewFlow(t *testing.T) {
	env := setupGradingApp(t)
	evaluation := getEvaluation(t, env.app, createEvaluation(t, env.app, 101).ID)
	submissionID := evaluation.Submissions[0].ID
	base := fmt.Sprintf("/api/v1/submissions/%d", submissionID)

	status, _ := uploadScript(t, env.app, submissionID, testPDF)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = doJSON(t, env.app, http.MethodGet, base+"/stats", nil)
	require.Equal(t, fiber.StatusConflict, status)

	status, body := doJSON(t, env.app, http.MethodPut, base+"/result", map[string]interface{}{
		"result": json.RawMessage(`{"ai_data": [], "totalMarks": 10}`),
	})
	require.Equal(t, fiber.StatusUnprocessableEntity, status)
	require.NotEmpty(t, body.Details)

	status, body = doJSON(t, env.app, http.MethodPut, base+"/result", map[string]interface{}{
		"result": json.RawMessage(manualResult),
	})
	require.Equal(t, fiber.StatusOK, status)
	var graded dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &graded))
	require.Equal(t, "evaluated", graded.Status)
	require.InDelta(t, 7, graded.TotalMarkAwarded, 1e-9)

	stale := graded.Version - 1
	status, _ = doJSON(t, env.app, http.MethodPatch, base+"/result", dto.ManualEditRequest{
		Version: &stale,
		Edits:   []dto.ManualEdit{{Op: dto.EditSetMarks, QuestionIndex: 1, Marks: floatPtr(5)}},
	})
	require.Equal(t, fiber.StatusConflict, status)

	point := 1
	credited := true
	status, body = doJSON(t, env.app, http.MethodPatch, base+"/result", dto.ManualEditRequest{
		Version: &graded.Version,
		Edits: []dto.ManualEdit{
			{Op: dto.EditTogglePoint, QuestionIndex: 0, PointIndex: &point, Credited: &credited},
			{Op: dto.EditSetMarks, QuestionIndex: 1, Marks: floatPtr(5)},
		},
	})
	require.Equal(t, fiber.StatusOK, status)
	var edited dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &edited))
	require.InDelta(t, 10, edited.TotalMarkAwarded, 1e-9)

	status, _ = doJSON(t, env.app, http.MethodPatch, base+"/result", dto.ManualEditRequest{
		Edits: []dto.ManualEdit{{Op: dto.EditSetMarks, QuestionIndex: 1, Marks: floatPtr(50)}},
	})
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body = doJSON(t, env.app, http.MethodGet, base+"/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	var stats dto.SubmissionStatsResponse
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	require.InDelta(t, 100, stats.Percentage, 1e-9)
	require.Equal(t, 2, stats.QuestionCount)

	status, body = doJSON(t, env.app, http.MethodPost, base+"/finalize", nil)
	require.Equal(t, fiber.StatusOK, status)
	var finalized dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &finalized))
	require.Equal(t, "finalized", finalized.Status)
	require.NotNil(t, finalized.FinalizedBy)
	require.Equal(t, uint(1), *finalized.FinalizedBy)

	status, _ = doJSON(t, env.app, http.MethodPost, base+"/finalize", nil)
	require.Equal(t, fiber.StatusConflict, status)
}

func TestSubmissionHandlerAbsenceAndRetry(t *testing.T) {
	env := setupGradingApp(t)
	evaluation := getEvaluation(t, env.app, createEvaluation(t, env.app, 101).ID)
	base := fmt.Sprintf("/api/v1/submissions/%d", evaluation.Submissions[0].ID)

	status, body := doJSON(t, env.app, http.MethodPost, base+"/absent", nil)
	require.Equal(t, fiber.StatusOK, status)
	var absent dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &absent))
	require.True(t, absent.IsAbsent)

	status, body = doJSON(t, env.app, http.MethodDelete, base+"/absent", nil)
	require.Equal(t, fiber.StatusOK, status)
	var present dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(body.Data, &present))
	require.False(t, present.IsAbsent)
	require.Equal(t, "submitted", present.Status)

	status, _ = doJSON(t, env.app, http.MethodPost, base+"/retry", nil)
	require.Equal(t, fiber.StatusConflict, status)

	status, _ = doJSON(t, env.app, http.MethodGet, "/api/v1/submissions/4242", nil)
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestHealthReportsFailingProbe(t *testing.T) {
	healthy := setupGradingApp(t, handler.HealthProbe{Name: "postgres", Check: func(context.Context) error { return nil }})
	status, body := doJSON(t, healthy.app, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.True(t, body.Success)

	degraded := setupGradingApp(t, handler.HealthProbe{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }})
	status, body = doJSON(t, degraded.app, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusServiceUnavailable, status)

	var report handler.HealthResponse
	require.NoError(t, json.Unmarshal(body.Details, &report))
	require.Equal(t, "degraded", report.Status)
	require.Equal(t, "connection refused", report.Dependencies["redis"])
}

func floatPtr(v float64) *float64 { return &v }
