package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/pipeline"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

type RunsHandler struct {
	registry *pipeline.Registry
}

func NewRunsHandler(registry *pipeline.Registry) *RunsHandler {
	return &RunsHandler{registry: registry}
}

// HandleTrigger serves POST /trigger. The body fields are all optional; a
// bare POST starts a run with the configured defaults.
func (h *RunsHandler) HandleTrigger(c *fiber.Ctx) error {
	var input models.RunInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			logger.Error("Failed to parse trigger body", zap.Error(err))
			return apierr.Respond(c, apierr.Validation("Invalid request body", "expected JSON"))
		}
	}

	run, err := h.registry.Trigger(c.Context(), input, "manual")
	if err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) {
			logger.Error("Failed to trigger run", zap.Error(err))
		}
		return apierr.Respond(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"executionName": run.Name,
		"status":        run.Status,
		"startDate":     run.TriggerTime,
	})
}

// HandleStatus serves GET /status/:executionName.
func (h *RunsHandler) HandleStatus(c *fiber.Ctx) error {
	name := c.Params("executionName")

	run, err := h.registry.Status(c.Context(), name)
	if err != nil {
		if !apierr.IsKind(err, apierr.KindNotFound) {
			logger.Error("Failed to get run status", zap.String("run", name), zap.Error(err))
		}
		return apierr.Respond(c, err)
	}
	return c.JSON(run)
}

// HandleList serves GET /executions.
func (h *RunsHandler) HandleList(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return apierr.Respond(c, apierr.Validation("Invalid limit", "must be a positive integer"))
		}
		limit = v
	}

	runs, err := h.registry.List(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return apierr.Respond(c, err)
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return c.JSON(fiber.Map{"executions": runs, "count": len(runs)})
}

// HandleCancel serves DELETE /executions/:executionName. Cancelling a run
// that already finished is a conflict.
func (h *RunsHandler) HandleCancel(c *fiber.Ctx) error {
	name := c.Params("executionName")

	if err := h.registry.Cancel(c.Context(), name); err != nil {
		if !apierr.IsKind(err, apierr.KindNotFound) && !apierr.IsKind(err, apierr.KindConflict) {
			logger.Error("Failed to cancel run", zap.String("run", name), zap.Error(err))
		}
		return apierr.Respond(c, err)
	}
	return c.JSON(fiber.Map{"executionName": name, "status": models.RunStatusAborted})
}
