package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/queryregistry"
)

// QueryManagementHandler lists and cancels tracked queries.
type QueryManagementHandler struct {
	registry *queryregistry.Registry
	logger   zerolog.Logger
}

// NewQueryManagementHandler creates a new query management handler.
func NewQueryManagementHandler(registry *queryregistry.Registry, logger zerolog.Logger) *QueryManagementHandler {
	return &QueryManagementHandler{
		registry: registry,
		logger:   logger.With().Str("component", "query-mgmt-api").Logger(),
	}
}

// RegisterRoutes registers query management API routes.
func (h *QueryManagementHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/queries")
	group.Get("/active", h.listActiveQueries)
	group.Get("/history", h.listQueryHistory)
	group.Get("/:id", h.getQuery)
	group.Delete("/:id", h.cancelQuery)
}

func (h *QueryManagementHandler) listActiveQueries(c *fiber.Ctx) error {
	active := h.registry.GetActive()
	return c.JSON(fiber.Map{
		"queries": active,
		"count":   len(active),
	})
}

func (h *QueryManagementHandler) listQueryHistory(c *fiber.Ctx) error {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	history := h.registry.GetHistory(limit)
	return c.JSON(fiber.Map{
		"queries": history,
		"count":   len(history),
	})
}

func (h *QueryManagementHandler) getQuery(c *fiber.Ctx) error {
	q := h.registry.Get(c.Params("id"))
	if q == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Query not found",
		})
	}
	return c.JSON(q)
}

func (h *QueryManagementHandler) cancelQuery(c *fiber.Ctx) error {
	queryID := c.Params("id")
	if !h.registry.Cancel(queryID) {
		if q := h.registry.Get(queryID); q != nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Query already " + string(q.Status),
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Query not found",
		})
	}

	h.logger.Info().Str("query_id", queryID).Msg("Query cancelled via API")
	return c.JSON(fiber.Map{
		"message": "Query cancelled",
		"id":      queryID,
	})
}
