package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
	"github.com/monalisha31/traveler-integrated/internal/queryregistry"
	"github.com/monalisha31/traveler-integrated/internal/trace"
)

// flushEvery is how many array elements are buffered between flushes.
const flushEvery = 128

// errClientGone marks a failed write to the response, which means the
// client went away.
var errClientGone = errors.New("client disconnected")

// QueryHandler serves histogram, interval and trace queries.
type QueryHandler struct {
	registry *dataset.Registry
	queries  *queryregistry.Registry
	access   AccessRecorder
	logger   zerolog.Logger
}

// NewQueryHandler creates a query handler. access may be nil.
func NewQueryHandler(registry *dataset.Registry, queries *queryregistry.Registry, access AccessRecorder, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{
		registry: registry,
		queries:  queries,
		access:   access,
		logger:   logger.With().Str("component", "query-handler").Logger(),
	}
}

// RegisterRoutes registers query endpoints. Routing is case-insensitive, so
// the trace route also answers the legacy /Trace spelling.
func (h *QueryHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/datasets")
	group.Get("/:label/histogram", h.histogram)
	group.Get("/:label/intervals", h.intervals)
	group.Get("/:label/intervals/:id/trace", h.trace)
}

func (h *QueryHandler) histogram(c *fiber.Ctx) error {
	label := c.Params("label")
	q := dataset.DefaultHistogramQuery()

	if m := c.Query("mode"); m != "" {
		mode, err := index.ParseMode(m)
		if err != nil {
			return respondError(c, err)
		}
		q.Mode = mode
	}
	if b := c.Query("bins"); b != "" {
		bins, err := strconv.Atoi(b)
		if err != nil {
			return badRequest(c, "invalid bins: "+b)
		}
		q.Bins = bins
	}
	w, err := parseWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	q.Window = w
	q.Selector = index.Selector{Location: c.Query("location"), Primitive: c.Query("primitive")}

	id, ctx := h.queries.Register(c.UserContext(), queryregistry.Spec{
		Kind:       queryregistry.KindHistogram,
		Dataset:    label,
		Params:     queryParams(c, "mode", "bins", "begin", "end", "location", "primitive"),
		RemoteAddr: c.IP(),
	})
	c.Set("X-Query-Id", id)
	hist, err := h.registry.Histogram(ctx, label, q)
	if err != nil {
		// A cancelled query is already finished in the registry.
		if !errors.Is(err, queryregistry.ErrCancelled) {
			h.queries.Fail(id, 0, err.Error())
		}
		return respondError(c, err)
	}
	h.queries.Complete(id, len(hist))
	h.touch(label)
	return c.JSON(hist)
}

func (h *QueryHandler) intervals(c *fiber.Ctx) error {
	label := c.Params("label")
	w, err := parseWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := h.registry.ListOverlapping(label, w)
	if err != nil {
		return respondError(c, err)
	}
	h.touch(label)

	spec := queryregistry.Spec{
		Kind:       queryregistry.KindIntervals,
		Dataset:    label,
		Params:     queryParams(c, "begin", "end", "format"),
		RemoteAddr: c.IP(),
	}
	if c.Query("format") == "arrow" {
		return h.stream(c, spec, "application/vnd.apache.arrow.stream", func(ctx context.Context, bw *bufio.Writer) (int, error) {
			return writeIntervalsArrow(ctx, bw, seq)
		})
	}
	return h.stream(c, spec, fiber.MIMEApplicationJSON, func(ctx context.Context, bw *bufio.Writer) (int, error) {
		return writeJSONArray(ctx, bw, seq)
	})
}

func (h *QueryHandler) trace(c *fiber.Ctx) error {
	label := c.Params("label")
	w, err := parseWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	seq, err := h.registry.Trace(label, c.Params("id"), w)
	if err != nil {
		return respondError(c, err)
	}
	h.touch(label)

	params := queryParams(c, "begin", "end")
	params["id"] = c.Params("id")
	spec := queryregistry.Spec{
		Kind:       queryregistry.KindTrace,
		Dataset:    label,
		Params:     params,
		RemoteAddr: c.IP(),
	}
	return h.stream(c, spec, fiber.MIMEApplicationJSON, func(ctx context.Context, bw *bufio.Writer) (int, error) {
		return writeJSONArray[trace.Item](ctx, bw, seq)
	})
}

// stream registers a query and writes its body after the handler returns.
// The registry context is detached from the request, so a cancel through
// the registry is the only way to stop production besides a failed write.
func (h *QueryHandler) stream(c *fiber.Ctx, spec queryregistry.Spec, contentType string, body func(context.Context, *bufio.Writer) (int, error)) error {
	id, ctx := h.queries.Register(context.Background(), spec)
	c.Set(fiber.HeaderContentType, contentType)
	c.Set("X-Query-Id", id)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		start := time.Now()
		n, err := body(ctx, w)
		metrics.Get().AddStreamed(spec.Kind, n)

		log := h.logger.With().
			Str("query_id", id).
			Str("kind", spec.Kind).
			Str("dataset", spec.Dataset).
			Int("items", n).
			Dur("duration", time.Since(start)).
			Logger()
		switch {
		case err == nil:
			h.queries.Complete(id, n)
			log.Debug().Msg("Streamed query completed")
		case errors.Is(context.Cause(ctx), queryregistry.ErrCancelled):
			log.Info().Msg("Streamed query stopped after cancel")
		case errors.Is(err, errClientGone):
			h.queries.Disconnected(id, n)
			log.Info().Msg("Client disconnected during stream")
		default:
			h.queries.Fail(id, n, err.Error())
			log.Error().Err(err).Msg("Streamed query failed")
		}
	})
	return nil
}

// writeJSONArray writes seq as a JSON array. On any failure the closing
// bracket is withheld, so a truncated stream is never a valid document.
func writeJSONArray[T any](ctx context.Context, w *bufio.Writer, seq iter.Seq2[T, error]) (int, error) {
	if err := w.WriteByte('['); err != nil {
		return 0, clientGone(err)
	}
	n := 0
	for item, err := range seq {
		if err != nil {
			_ = w.Flush()
			return n, err
		}
		if ctx.Err() != nil {
			return n, context.Cause(ctx)
		}
		data, err := json.Marshal(item)
		if err != nil {
			_ = w.Flush()
			return n, fmt.Errorf("encode item %d: %w", n, err)
		}
		if n > 0 {
			if err := w.WriteByte(','); err != nil {
				return n, clientGone(err)
			}
		}
		if _, err := w.Write(data); err != nil {
			return n, clientGone(err)
		}
		n++
		if n%flushEvery == 0 {
			if err := w.Flush(); err != nil {
				return n, clientGone(err)
			}
		}
	}
	if err := w.WriteByte(']'); err != nil {
		return n, clientGone(err)
	}
	if err := w.Flush(); err != nil {
		return n, clientGone(err)
	}
	return n, nil
}

func clientGone(err error) error {
	return fmt.Errorf("%w: %v", errClientGone, err)
}

// parseWindow reads the optional begin and end query parameters.
func parseWindow(c *fiber.Ctx) (dataset.Window, error) {
	var w dataset.Window
	for _, p := range []struct {
		name string
		dst  **float64
	}{{"begin", &w.Begin}, {"end", &w.End}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return w, fmt.Errorf("invalid %s: %s", p.name, raw)
		}
		*p.dst = &v
	}
	return w, nil
}

// queryParams copies the named query parameters that are present.
func queryParams(c *fiber.Ctx, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v := c.Query(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func (h *QueryHandler) touch(label string) {
	if h.access == nil {
		return
	}
	if err := h.access.Touch(context.Background(), label); err != nil {
		h.logger.Debug().Err(err).Str("dataset", label).Msg("Failed to record dataset access")
	}
}
