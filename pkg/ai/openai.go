package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	oracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "oracle",
		Name:      "request_duration_seconds",
		Help:      "Duration of grading oracle requests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"model"})

	oracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "oracle",
		Name:      "failures_total",
		Help:      "Number of grading oracle failures by class",
	}, []string{"model", "class"})
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGrader implements Grader against the OpenAI chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a new grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIGrader{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_grader").Logger(),
	}, nil
}

// Grade sends the scripts to OpenAI and returns the raw JSON grading payload.
func (g *OpenAIGrader) Grade(parent context.Context, req GradingRequest) (GradingResponse, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.Int("key_scripts", len(req.KeyScriptRefs)),
		attribute.Float64("total_marks", req.TotalMarks),
	))
	defer span.End()

	if strings.TrimSpace(req.StudentScriptRef) == "" || strings.TrimSpace(req.QuestionPaperRef) == "" {
		err := &StructuralError{Err: errors.New("question paper and student script references are required")}
		g.fail(span, err, "structural")
		return GradingResponse{}, err
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: graderSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(req),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	oracleDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := Classify(err)
		class := "structural"
		if IsTransient(classified) {
			class = "transient"
		}
		g.fail(span, classified, class)
		return GradingResponse{}, fmt.Errorf("openai grade: %w", classified)
	}

	if len(resp.Choices) == 0 {
		err := &StructuralError{Err: errors.New("no choices returned from openai")}
		g.fail(span, err, "structural")
		return GradingResponse{}, err
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		err := &StructuralError{Err: errors.New("grading payload truncated by token limit")}
		g.fail(span, err, "structural")
		return GradingResponse{}, err
	}

	content := strings.TrimSpace(choice.Message.Content)
	g.logger.Debug().Int("bytes", len(content)).Int("tokens", resp.Usage.TotalTokens).Msg("grading payload received")

	return GradingResponse{
		Payload:  json.RawMessage(content),
		Provider: "openai",
		Model:    resp.Model,
		Usage: map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func (g *OpenAIGrader) fail(span trace.Span, err error, class string) {
	oracleFailures.WithLabelValues(g.cfg.Model, class).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Classify maps transport and API errors onto the transient/structural taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var transient *TransientError
	var structural *StructuralError
	if errors.As(err, &transient) || errors.As(err, &structural) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return &TransientError{Err: err}
		}
		return &StructuralError{Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return &TransientError{Err: err}
		}
		return &StructuralError{Err: err}
	}

	return &StructuralError{Err: err}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError
}

func graderSystemPrompt() string {
	return "You are an examiner grading scanned student answer scripts. Respond with a single JSON object with keys " +
		"ai_data (array of questions), totalMarkAwarded and totalMarks. Each question has image_index (1-based page of the " +
		"student script), section, question_id, question, marks, marks_awarded, feedback, difficulty, blooms_level, topic, co, " +
		"po, pso, ai_confidence (0-100), teacher_intervention_required and marking_scheme (array of point, mark, status). " +
		"marks_awarded must equal the sum of credited marking_scheme marks. Mark leniently and award partial credit for " +
		"demonstrated understanding."
}

func buildUserPrompt(req GradingRequest) string {
	builder := strings.Builder{}
	builder.WriteString("# Question Paper\n")
	builder.WriteString(req.QuestionPaperRef)
	if len(req.KeyScriptRefs) > 0 {
		builder.WriteString("\n\n## Key Scripts\n")
		for _, ref := range req.KeyScriptRefs {
			builder.WriteString("- ")
			builder.WriteString(ref)
			builder.WriteString("\n")
		}
	}
	builder.WriteString("\n\n## Student Answer Script\n")
	builder.WriteString(req.StudentScriptRef)
	builder.WriteString(fmt.Sprintf("\n\n## Total Marks\n%g\n", req.TotalMarks))
	builder.WriteString("\nExtract every question from the question paper, including unattempted ones. Unattempted questions get " +
		"marks_awarded 0 and feedback \"Not Attempted\". Set teacher_intervention_required when unsure. Return JSON.")
	return builder.String()
}
