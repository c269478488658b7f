package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// SubmissionHandler manages per-student grading endpoints.
type SubmissionHandler struct {
	service   service.SubmissionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, validator *validator.Validate, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	router.Get("/:id", h.get)
	router.Post("/:id/script", h.uploadScript)
	router.Post("/:id/absent", h.markAbsent)
	router.Delete("/:id/absent", h.unmarkAbsent)
	router.Patch("/:id/result", h.applyEdits)
	router.Put("/:id/result", h.manualGrade)
	router.Post("/:id/finalize", h.finalize)
	router.Post("/:id/retry", h.retry)
	router.Get("/:id/stats", h.stats)
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.Get(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) uploadScript(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("script")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "script file is required")
	}

	submission, err := h.service.UploadScript(requestContext(c), id, file)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "script uploaded", submission)
}

func (h *SubmissionHandler) markAbsent(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.MarkAbsent(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "student marked absent", submission)
}

func (h *SubmissionHandler) unmarkAbsent(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.UnmarkAbsent(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "absence cleared", submission)
}

func (h *SubmissionHandler) applyEdits(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ManualEditRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.ApplyManualEdit(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("submission_id", id).
		Uint("reviewer_id", userIDFromContext(c)).
		Int("edits", len(payload.Edits)).
		Msg("grading result edited")
	return utils.SendSuccess(c, "grading result updated", submission)
}

func (h *SubmissionHandler) manualGrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ManualGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.ManualGrade(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("submission_id", id).
		Uint("reviewer_id", userIDFromContext(c)).
		Msg("submission graded manually")
	return utils.SendSuccess(c, "grading result attached", submission)
}

func (h *SubmissionHandler) finalize(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.FinalizeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	var reviewerID *uint
	if userID := userIDFromContext(c); userID != 0 {
		reviewerID = &userID
	}

	submission, err := h.service.Finalize(requestContext(c), id, payload, reviewerID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission finalized", submission)
}

func (h *SubmissionHandler) retry(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.Retry(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading retry queued", submission)
}

func (h *SubmissionHandler) stats(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	stats, err := h.service.GetAggregatedStats(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission statistics", stats)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	return respondGradingError(c, h.logger, err)
}
