package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/scheduler"
)

// RetentionScheduler is the part of the retention scheduler the API uses.
type RetentionScheduler interface {
	Status() scheduler.Status
	RunOnce(ctx context.Context) ([]string, error)
}

// SchedulerHandler serves retention scheduler status and manual runs.
type SchedulerHandler struct {
	retention RetentionScheduler
	logger    zerolog.Logger
}

// NewSchedulerHandler creates a scheduler handler. retention is nil when
// retention is disabled.
func NewSchedulerHandler(retention RetentionScheduler, logger zerolog.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		retention: retention,
		logger:    logger.With().Str("component", "scheduler-handler").Logger(),
	}
}

// RegisterRoutes registers scheduler API routes.
func (h *SchedulerHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/schedulers/retention", h.handleGetStatus)
	app.Post("/api/v1/schedulers/retention/trigger", h.handleTrigger)
}

func (h *SchedulerHandler) handleGetStatus(c *fiber.Ctx) error {
	if h.retention == nil {
		return c.JSON(fiber.Map{
			"enabled": false,
			"reason":  "retention.max_age_hours is 0",
		})
	}
	return c.JSON(fiber.Map{
		"enabled": true,
		"status":  h.retention.Status(),
	})
}

func (h *SchedulerHandler) handleTrigger(c *fiber.Ctx) error {
	if h.retention == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "retention is disabled",
		})
	}

	purged, err := h.retention.RunOnce(c.UserContext())
	if err != nil {
		h.logger.Error().Err(err).Strs("purged", purged).Msg("Manual retention run failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  err.Error(),
			"purged": purged,
		})
	}
	h.logger.Info().Strs("purged", purged).Msg("Manual retention run complete")
	return c.JSON(fiber.Map{
		"purged": purged,
		"count":  len(purged),
	})
}
