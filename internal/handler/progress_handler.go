package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
)

const (
	progressPingInterval = 30 * time.Second
	progressWriteTimeout = 10 * time.Second
)

// ProgressHandler streams grading progress for an evaluation over a websocket.
type ProgressHandler struct {
	evaluations service.EvaluationService
	progress    service.ProgressService
	logger      zerolog.Logger
	ping        time.Duration
}

// NewProgressHandler creates a progress stream handler.
func NewProgressHandler(evaluations service.EvaluationService, progress service.ProgressService, logger zerolog.Logger) *ProgressHandler {
	return &ProgressHandler{
		evaluations: evaluations,
		progress:    progress,
		logger:      logger.With().Str("component", "progress_handler").Logger(),
		ping:        progressPingInterval,
	}
}

// Register binds the stream route under the evaluations group.
func (h *ProgressHandler) Register(router fiber.Router) {
	router.Get("/:id/stream", h.upgrade, websocket.New(h.stream))
}

func (h *ProgressHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
	c.Locals("request_ctx", ctx)
	return c.Next()
}

func (h *ProgressHandler) stream(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	parsed, err := strconv.ParseUint(conn.Params("id"), 10, 64)
	if err != nil || parsed == 0 {
		closeWith(conn, fiber.StatusBadRequest, "invalid identifier")
		return
	}
	evaluationID := uint(parsed)

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before the snapshot so no transition is lost in between
	events, unsubscribe := h.progress.Subscribe(evaluationID)
	defer unsubscribe()

	evaluation, err := h.evaluations.Get(ctx, evaluationID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			closeWith(conn, fiber.StatusNotFound, "evaluation not found")
			return
		}
		h.logger.Error().Err(err).Uint("evaluation_id", evaluationID).Msg("failed to load evaluation snapshot")
		closeWith(conn, fiber.StatusInternalServerError, "snapshot unavailable")
		return
	}

	progress := evaluation.Progress
	snapshot := dto.ProgressEvent{
		Type:         dto.EventSnapshot,
		EvaluationID: evaluationID,
		Status:       evaluation.Status,
		Progress:     &progress,
		At:           time.Now().UTC(),
	}
	if err := h.write(conn, snapshot); err != nil {
		return
	}

	logger := h.logger.With().Uint("evaluation_id", evaluationID).Logger()
	logger.Info().Msg("progress stream connected")
	defer logger.Info().Msg("progress stream disconnected")

	// the read pump only detects client close frames
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(conn, event); err != nil {
				logger.Debug().Err(err).Msg("progress stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ProgressHandler) write(conn *websocket.Conn, event dto.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
	return conn.WriteJSON(event)
}

// closeWith maps an HTTP status into the 4xxx private close code range.
func closeWith(conn *websocket.Conn, status int, message string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000+status%1000, message))
}
