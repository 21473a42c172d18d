package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/ingest"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// AccessRecorder records that a dataset was read. The snapshot manager
// implements it on top of the catalog.
type AccessRecorder interface {
	Touch(ctx context.Context, label string) error
}

// DatasetHandler serves dataset lifecycle, upload and source code routes.
type DatasetHandler struct {
	registry *dataset.Registry
	decoder  *ingest.RecordDecoder
	logger   zerolog.Logger
}

// NewDatasetHandler creates a dataset handler.
func NewDatasetHandler(registry *dataset.Registry, logger zerolog.Logger) *DatasetHandler {
	return &DatasetHandler{
		registry: registry,
		decoder:  ingest.NewRecordDecoder(logger),
		logger:   logger.With().Str("component", "dataset-api").Logger(),
	}
}

// RegisterRoutes registers dataset endpoints.
func (h *DatasetHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/datasets")
	group.Get("/", h.listDatasets)
	group.Get("/:label", h.getDataset)
	group.Post("/:label", h.createDataset)
	group.Delete("/:label", h.deleteDataset)
	group.Post("/:label/csv", h.uploadCSV)
	group.Post("/:label/intervals", h.uploadIntervals)
	group.Get("/:label/primitives", h.primitives)
	for _, kind := range dataset.AllCodeKinds {
		group.Get("/:label/"+string(kind), h.getCode(kind))
		group.Post("/:label/"+string(kind), h.postCode(kind))
	}
}

func (h *DatasetHandler) listDatasets(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

func (h *DatasetHandler) getDataset(c *fiber.Ctx) error {
	d, err := h.registry.Get(c.Params("label"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d.Meta())
}

// createRequest is the optional body of POST /datasets/:label. Every field
// is optional; Intervals is a JSON array of interval records.
type createRequest struct {
	CSV       string          `json:"csv"`
	Intervals json.RawMessage `json:"intervals"`
	Physl     string          `json:"physl"`
	Python    string          `json:"python"`
	Cpp       string          `json:"cpp"`
}

func (h *DatasetHandler) createDataset(c *fiber.Ctx) error {
	label := c.Params("label")
	var req createRequest
	if body := bytes.TrimSpace(c.BodyRaw()); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	ctx := c.UserContext()
	d, err := h.registry.Create(ctx, label)
	if err != nil {
		if d == nil {
			return respondError(c, err)
		}
		h.logger.Error().Err(err).Str("dataset", label).Msg("Failed to persist new dataset")
	}

	var results []ingestResult
	if req.CSV != "" {
		res, err := h.ingestCSV(ctx, label, label+".csv", []byte(req.CSV))
		if err != nil {
			return h.abortCreate(c, label, err)
		}
		results = append(results, res)
	}
	if len(req.Intervals) > 0 && string(req.Intervals) != "null" {
		res, err := h.ingestRecords(ctx, label, label+".json", req.Intervals, ingest.FormatJSON)
		if err != nil {
			return h.abortCreate(c, label, err)
		}
		results = append(results, res)
	}
	for kind, text := range map[dataset.CodeKind]string{
		dataset.CodePhysl:  req.Physl,
		dataset.CodePython: req.Python,
		dataset.CodeCpp:    req.Cpp,
	} {
		if text == "" {
			continue
		}
		if err := h.registry.AttachCode(ctx, label, kind, label+"."+codeExt(kind), text); err != nil {
			h.logger.Error().Err(err).Str("dataset", label).Str("kind", string(kind)).Msg("Failed to persist source code")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"meta":    d.Meta(),
		"ingests": results,
	})
}

// abortCreate removes a dataset whose initial upload failed, so a create
// either fully succeeds or leaves nothing behind.
func (h *DatasetHandler) abortCreate(c *fiber.Ctx, label string, cause error) error {
	if err := h.registry.Purge(context.Background(), label); err != nil {
		h.logger.Warn().Err(err).Str("dataset", label).Msg("Failed to remove dataset after failed upload")
	}
	return respondError(c, cause)
}

func (h *DatasetHandler) deleteDataset(c *fiber.Ctx) error {
	label := c.Params("label")
	if err := h.registry.Purge(c.UserContext(), label); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "dataset deleted", "label": label})
}

func (h *DatasetHandler) uploadCSV(c *fiber.Ctx) error {
	name, data, err := uploadedFile(c, c.Params("label")+".csv")
	if err != nil {
		return badRequest(c, err.Error())
	}
	res, err := h.ingestCSV(c.UserContext(), c.Params("label"), name, data)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *DatasetHandler) uploadIntervals(c *fiber.Ctx) error {
	name, data, err := uploadedFile(c, c.Params("label")+".json")
	if err != nil {
		return badRequest(c, err.Error())
	}
	format := ingest.FormatFromContentType(c.Get(fiber.HeaderContentType))
	if strings.HasSuffix(name, ".msgpack") {
		format = ingest.FormatMsgPack
	}
	res, err := h.ingestRecords(c.UserContext(), c.Params("label"), name, data, format)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *DatasetHandler) primitives(c *fiber.Ctx) error {
	label := c.Params("label")
	prims, err := h.registry.Primitives(label)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(prims)
}

func (h *DatasetHandler) getCode(kind dataset.CodeKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		d, err := h.registry.Get(c.Params("label"))
		if err != nil {
			return respondError(c, err)
		}
		code, err := d.Code(kind)
		if err != nil {
			return respondError(c, err)
		}
		c.Set("X-Filename", code.Filename)
		return c.JSON(code.Text)
	}
}

func (h *DatasetHandler) postCode(kind dataset.CodeKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		label := c.Params("label")
		name, data, err := uploadedFile(c, label+"."+codeExt(kind))
		if err != nil {
			return badRequest(c, err.Error())
		}
		text, err := ingest.Decompress(data)
		if err != nil {
			return badRequest(c, err.Error())
		}
		if err := h.registry.AttachCode(c.UserContext(), label, kind, name, string(text)); err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"dataset":  label,
			"kind":     kind,
			"filename": name,
			"bytes":    len(text),
		})
	}
}

// ingestResult reports one committed upload.
type ingestResult struct {
	Dataset   string `json:"dataset"`
	Source    string `json:"source"`
	Added     int    `json:"added"`
	Intervals int    `json:"intervals"`
	Persisted bool   `json:"persisted"`
	Stats     any    `json:"stats"`
}

func (h *DatasetHandler) ingestCSV(ctx context.Context, label, name string, data []byte) (ingestResult, error) {
	return h.ingest(ctx, label, name, "csv", func(in *dataset.Ingestion) (any, int, error) {
		payload, err := ingest.Decompress(data)
		if err != nil {
			return nil, 0, err
		}
		stats, err := ingest.ParseEventCSV(ctx, bytes.NewReader(payload), in, h.logger)
		return stats, stats.Intervals, err
	})
}

func (h *DatasetHandler) ingestRecords(ctx context.Context, label, name string, data []byte, format ingest.Format) (ingestResult, error) {
	return h.ingest(ctx, label, name, format.String(), func(in *dataset.Ingestion) (any, int, error) {
		stats, err := h.decoder.Decode(ctx, data, format, in)
		return stats, stats.Records, err
	})
}

// ingest runs one upload through a dataset ingestion. fill adds the records
// and returns its parser statistics and how many intervals it added.
func (h *DatasetHandler) ingest(ctx context.Context, label, name, source string, fill func(*dataset.Ingestion) (any, int, error)) (ingestResult, error) {
	res := ingestResult{Dataset: label, Source: name}
	d, err := h.registry.Get(label)
	if err != nil {
		return res, err
	}
	in, err := d.BeginIngest()
	if err != nil {
		return res, err
	}

	stats, added, err := fill(in)
	if err != nil {
		in.Abort()
		return res, err
	}
	in.AddSource(name, source)

	snap, err := in.Commit(ctx)
	if snap == nil {
		return res, err
	}
	res.Persisted = err == nil
	if err != nil {
		h.logger.Error().Err(err).Str("dataset", label).Msg("Dataset committed but not persisted")
	}
	metrics.Get().AddIngested(source, added)

	res.Added = added
	res.Intervals = snap.Meta.IntervalCount
	res.Stats = stats
	return res, nil
}

// uploadedFile returns the "file" part of a multipart upload, or the raw
// body with the name from ?filename= or fallback.
func uploadedFile(c *fiber.Ctx, fallback string) (string, []byte, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("multipart upload needs a 'file' part: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return "", nil, fmt.Errorf("read upload: %w", err)
		}
		return fh.Filename, data, nil
	}
	body := c.BodyRaw()
	if len(body) == 0 {
		return "", nil, fmt.Errorf("empty upload")
	}
	// The body buffer is reused once the handler returns.
	return c.Query("filename", fallback), bytes.Clone(body), nil
}

func codeExt(kind dataset.CodeKind) string {
	switch kind {
	case dataset.CodePython:
		return "py"
	default:
		return string(kind)
	}
}
