package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

const gradedPayload = `{
  "ai_data": [
    {
      "image_index": 1,
      "question_id": "1",
      "question": "<b>Define</b> entropy.",
      "marks": 5,
      "marks_awarded": 5,
      "feedback": "Good <script>alert(1)</script>answer",
      "co": "CO1",
      "po": "PO1",
      "ai_confidence": 90,
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
  "totalMarkAwarded": 9,
  "totalMarks": 10
}`

type gradingStores struct {
	db          *gorm.DB
	evaluations repository.EvaluationRepository
	submissions repository.EvaluationSubmissionRepository
	jobs        repository.GradingJobRepository
}

func setupGradingStores(t *testing.T) gradingStores {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))

	return gradingStores{
		db:          db,
		evaluations: repository.NewEvaluationRepository(db),
		submissions: repository.NewEvaluationSubmissionRepository(db),
		jobs:        repository.NewGradingJobRepository(db),
	}
}

// seedGradingEvaluation creates a pending evaluation whose roster starts at student 100.
func seedGradingEvaluation(t *testing.T, stores gradingStores, statuses ...models.SubmissionStatus) models.Evaluation {
	t.Helper()
	evaluation := models.Evaluation{
		Name:             "Thermodynamics midterm",
		ClassID:          1,
		SectionID:        2,
		SubjectID:        3,
		CreatedBy:        7,
		TotalMarks:       10,
		QuestionPaperRef: "https://files.test/paper.pdf",
		Status:           models.EvaluationStatusPending,
	}
	for i, status := range statuses {
		submission := models.EvaluationSubmission{StudentID: uint(100 + i), Status: status, Version: 1}
		switch status {
		case models.SubmissionStatusUploaded:
			submission.ScriptRef = fmt.Sprintf("https://files.test/script-%d.pdf", i)
		case models.SubmissionStatusAbsent:
			submission.IsAbsent = true
		}
		evaluation.Submissions = append(evaluation.Submissions, submission)
	}
	require.NoError(t, stores.evaluations.Create(context.Background(), &evaluation))
	return evaluation
}

type stubGrader struct {
	mu          sync.Mutex
	calls       int
	perScript   map[string]int
	inFlight    map[string]int
	maxInFlight int
	gate        chan struct{}
	respond     func(call int, req ai.GradingRequest) (ai.GradingResponse, error)
}

func newStubGrader(respond func(call int, req ai.GradingRequest) (ai.GradingResponse, error)) *stubGrader {
	return &stubGrader{
		perScript: make(map[string]int),
		inFlight:  make(map[string]int),
		respond:   respond,
	}
}

func succeedingGrader() *stubGrader {
	return newStubGrader(func(int, ai.GradingRequest) (ai.GradingResponse, error) {
		return ai.GradingResponse{Payload: json.RawMessage(gradedPayload), Provider: "stub", Model: "stub-1"}, nil
	})
}

func (g *stubGrader) Grade(ctx context.Context, req ai.GradingRequest) (ai.GradingResponse, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.perScript[req.StudentScriptRef]++
	g.inFlight[req.StudentScriptRef]++
	if g.inFlight[req.StudentScriptRef] > g.maxInFlight {
		g.maxInFlight = g.inFlight[req.StudentScriptRef]
	}
	gate := g.gate
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight[req.StudentScriptRef]--
		g.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ai.GradingResponse{}, ctx.Err()
		}
	}
	return g.respond(call, req)
}

func (g *stubGrader) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *stubGrader) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

type progressRecorder struct {
	mu     sync.Mutex
	events []dto.ProgressEvent
}

func (r *progressRecorder) Publish(_ context.Context, event dto.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *progressRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, event := range r.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}
