package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/ingest"
	"github.com/monalisha31/traveler-integrated/internal/queryregistry"
)

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dataset.ErrDatasetNotFound),
		errors.Is(err, dataset.ErrIndexUnavailable),
		errors.Is(err, dataset.ErrSelectorNotFound),
		errors.Is(err, dataset.ErrUnknownInterval),
		errors.Is(err, dataset.ErrCodeNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, dataset.ErrInvalidWindow),
		errors.Is(err, dataset.ErrInvalidLabel),
		errors.Is(err, dataset.ErrUnknownCodeKind),
		errors.Is(err, index.ErrUnknownMode),
		errors.Is(err, ingest.ErrMissingColumn),
		errors.Is(err, ingest.ErrMalformedRecords):
		return fiber.StatusBadRequest
	case errors.Is(err, dataset.ErrDatasetExists),
		errors.Is(err, dataset.ErrIngestInProgress),
		errors.Is(err, queryregistry.ErrCancelled):
		return fiber.StatusConflict
	case errors.Is(err, ingest.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Selector misses carry the
// reason so clients can tell an unknown location from an unknown primitive.
func respondError(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}
	var selErr *index.SelectorError
	if errors.As(err, &selErr) {
		body["reason"] = string(selErr.Reason)
	}
	return c.Status(errorStatus(err)).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
