package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// EvaluationHandler manages grading batch endpoints.
type EvaluationHandler struct {
	service    service.EvaluationService
	validator  *validator.Validate
	startGuard fiber.Handler
	logger     zerolog.Logger
}

// NewEvaluationHandler builds an evaluation handler. startGuard, usually a
// rate limiter, runs in front of the start endpoint when provided.
func NewEvaluationHandler(service service.EvaluationService, validator *validator.Validate, startGuard fiber.Handler, logger zerolog.Logger) *EvaluationHandler {
	if startGuard == nil {
		startGuard = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &EvaluationHandler{
		service:    service,
		validator:  validator,
		startGuard: startGuard,
		logger:     logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *EvaluationHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("", h.create)
	router.Get("/:id", h.get)
	router.Delete("/:id", h.delete)
	router.Post("/:id/start", h.startGuard, h.start)
}

func (h *EvaluationHandler) list(c *fiber.Ctx) error {
	var filter dto.EvaluationFilter
	var err error

	if filter.ClassID, err = parseQueryUint(c, "class_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if filter.SectionID, err = parseQueryUint(c, "section_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if filter.SubjectID, err = parseQueryUint(c, "subject_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if filter.Page, err = parseQueryInt(c, "page"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if filter.PageSize, err = parseQueryInt(c, "page_size"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	filter.Status = c.Query("status")

	evaluations, err := h.service.List(requestContext(c), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluations retrieved", evaluations)
}

func (h *EvaluationHandler) create(c *fiber.Ctx) error {
	var payload dto.EvaluationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	evaluation, err := h.service.Create(requestContext(c), payload, userID)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().Uint("evaluation_id", evaluation.ID).Msg("evaluation created")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "evaluation created", evaluation)
}

func (h *EvaluationHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	evaluation, err := h.service.Get(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation retrieved", evaluation)
}

func (h *EvaluationHandler) delete(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Delete(requestContext(c), id); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation deleted", nil)
}

func (h *EvaluationHandler) start(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.Start(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("evaluation_id", id).
		Int("enqueued", result.Enqueued).
		Str("status", result.Status).
		Msg("evaluation start requested")
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation grading started", result)
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	return respondGradingError(c, h.logger, err)
}
