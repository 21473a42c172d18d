package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/queryregistry"
)

type fakeAccess struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeAccess) Touch(_ context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, label)
	return nil
}

type testEnv struct {
	app     *fiber.App
	server  *Server
	reg     *dataset.Registry
	queries *queryregistry.Registry
	access  *fakeAccess
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := dataset.NewRegistry(&dataset.RegistryConfig{MaxConcurrentFinalize: 1}, nil, zerolog.Nop())
	queries := queryregistry.NewRegistry(&queryregistry.RegistryConfig{HistorySize: 20}, zerolog.Nop())
	access := &fakeAccess{}

	server := NewServer(DefaultServerConfig(), zerolog.Nop())
	server.RegisterRoutes()
	app := server.GetApp()
	NewDatasetHandler(reg, zerolog.Nop()).RegisterRoutes(app)
	NewQueryHandler(reg, queries, access, zerolog.Nop()).RegisterRoutes(app)
	NewQueryManagementHandler(queries, zerolog.Nop()).RegisterRoutes(app)
	server.SetReady(true)
	return &testEnv{app: app, server: server, reg: reg, queries: queries, access: access}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type testRecord struct {
	ID        string         `json:"intervalId"`
	Location  string         `json:"location"`
	Primitive string         `json:"primitive"`
	Enter     map[string]any `json:"enter"`
	Leave     map[string]any `json:"leave"`
	ParentID  string         `json:"parentId,omitempty"`
}

func record(id, loc, prim string, enter, leave float64, parent string) testRecord {
	return testRecord{
		ID: id, Location: loc, Primitive: prim,
		Enter:    map[string]any{"Timestamp": enter},
		Leave:    map[string]any{"Timestamp": leave},
		ParentID: parent,
	}
}

// createWith creates a dataset holding recs through the create endpoint.
func (e *testEnv) createWith(t *testing.T, label string, recs ...testRecord) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"intervals": recs})
	require.NoError(t, err)
	resp, data := e.do(t, http.MethodPost, "/api/v1/datasets/"+label, bytes.NewReader(body), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(data))
}

func scenarioA(t *testing.T, e *testEnv) {
	e.createWith(t, "a",
		record("1", "0", "work", 0, 10, ""),
		record("2", "0", "work", 10, 20, ""),
		record("3", "0", "work", 20, 30, ""),
	)
}

func scenarioB(t *testing.T, e *testEnv) {
	e.createWith(t, "b",
		record("P", "0", "outer", 0, 40, ""),
		record("T", "0", "inner", 15, 25, "P"),
	)
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	e.server.SetReady(false)
	resp, _ = e.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	e.server.SetReady(true)
	resp, _ = e.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestDatasetRoutesWaitForRestore(t *testing.T) {
	e := newTestEnv(t)
	e.server.SetReady(false)

	resp, body := e.do(t, http.MethodPost, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "restored")
	assert.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))
	_, err := e.reg.Get("run1")
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)

	resp, _ = e.do(t, http.MethodGet, "/API/v1/Datasets", nil, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	// Operational routes stay up while restoring.
	resp, _ = e.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/queries/active", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	e.server.SetReady(true)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/health", nil, "")

	resp, body := e.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "traveler_http_requests_total")
}

func TestDatasetLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/datasets/bad%20label!", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var metas []dataset.Meta
	require.NoError(t, json.Unmarshal(body, &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "run1", metas[0].Label)

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"label":"run1"`)

	// Metadata exists but there is nothing to query yet.
	resp, _ = e.do(t, http.MethodGet, "/api/v1/datasets/run1/histogram", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/datasets/run1", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCreateWithBadIntervalsLeavesNothing(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/datasets/broken",
		strings.NewReader(`{"intervals": {"not": "an array"}}`), fiber.MIMEApplicationJSON)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	_, err := e.reg.Get("broken")
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
}

func TestUploadCSV(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/datasets/csvrun", nil, "")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	csv := "Location,Primitive,Timestamp,Event\n0,main,0,ENTER\n0,step,10,ENTER\n0,step,20,LEAVE\n0,main,30,LEAVE\n"
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "events.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, body := e.do(t, http.MethodPost, "/api/v1/datasets/csvrun/csv", &buf, mw.FormDataContentType())
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var res ingestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "events.csv", res.Source)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Intervals)

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/csvrun/primitives", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "main")
	assert.Contains(t, string(body), "step")

	resp, _ = e.do(t, http.MethodPost, "/api/v1/datasets/csvrun/csv",
		strings.NewReader("Location,Primitive\n0,main\n"), "text/csv")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/datasets/nope/csv", strings.NewReader(csv), "text/csv")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSourceCode(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/datasets/code", nil, "")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/datasets/code/python", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/datasets/code/python?filename=main.py",
		strings.NewReader("print('hi')\n"), "text/plain")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/code/python", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "main.py", resp.Header.Get("X-Filename"))
	var text string
	require.NoError(t, json.Unmarshal(body, &text))
	assert.Equal(t, "print('hi')\n", text)

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/code", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"main.py"`)
}

func TestHistogram_ScenarioA(t *testing.T) {
	e := newTestEnv(t)
	scenarioA(t, e)

	var hist []float64
	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/a/histogram?mode=count&bins=3&begin=0&end=30", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Equal(t, []float64{1, 1, 1}, hist)

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/a/histogram?mode=utilization&bins=3&begin=0&end=30", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.InDeltaSlice(t, []float64{1, 1, 1}, hist, 1e-9)

	// Defaults: utilization over the domain with 100 bins.
	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/a/histogram", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Len(t, hist, dataset.DefaultBins)

	assert.Contains(t, e.access.touched, "a")
	require.Eventually(t, func() bool { return e.queries.HistoryLen() >= 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, queryregistry.KindHistogram, e.queries.GetHistory(1)[0].Kind)
}

func TestHistogram_Errors(t *testing.T) {
	e := newTestEnv(t)
	scenarioA(t, e)

	tests := []struct {
		name   string
		query  string
		status int
		reason string
	}{
		{"bad mode", "mode=mean", fiber.StatusBadRequest, ""},
		{"bad bins", "bins=many", fiber.StatusBadRequest, ""},
		{"zero bins", "bins=0", fiber.StatusBadRequest, ""},
		{"bins over the limit", "bins=10001", fiber.StatusBadRequest, ""},
		{"huge bins", "bins=1099511627776", fiber.StatusBadRequest, ""},
		{"reversed window", "begin=30&end=0", fiber.StatusBadRequest, ""},
		{"bad begin", "begin=soon", fiber.StatusBadRequest, ""},
		{"unknown location", "location=9", fiber.StatusNotFound, "unknown_location"},
		{"unknown primitive", "primitive=sleep", fiber.StatusNotFound, "unknown_primitive"},
		{"unknown pair", "location=0&primitive=sleep", fiber.StatusNotFound, "unknown_primitive_for_location"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/a/histogram?"+tt.query, nil, "")
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			if tt.reason != "" {
				var out map[string]string
				require.NoError(t, json.Unmarshal(body, &out))
				assert.Equal(t, tt.reason, out["reason"])
			}
		})
	}

	resp, _ := e.do(t, http.MethodGet, "/api/v1/datasets/missing/histogram", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestErrorStatus_CancelledQuery(t *testing.T) {
	err := fmt.Errorf("histogram: %w", queryregistry.ErrCancelled)
	assert.Equal(t, fiber.StatusConflict, errorStatus(err))
	assert.Equal(t, fiber.StatusInternalServerError, errorStatus(dataset.ErrIndexCorrupt))
}

func TestIntervals_ZeroWidthAtDomainEdges(t *testing.T) {
	e := newTestEnv(t)
	e.createWith(t, "z",
		record("start", "0", "mark", 0, 0, ""),
		record("body", "0", "run", 0, 10, ""),
		record("end", "0", "mark", 10, 10, ""),
	)

	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/z/intervals", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(body, &got), string(body))
	require.Len(t, got, 3)
	assert.Equal(t, "end", got[2]["intervalId"])

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/z/histogram?mode=count&bins=1", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[3]", string(body))
}

func TestIntervals_StreamJSON(t *testing.T) {
	e := newTestEnv(t)
	scenarioA(t, e)

	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/a/intervals?begin=5&end=15", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Query-Id"))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0]["intervalId"])
	assert.Equal(t, "2", out[1]["intervalId"])

	resp, body = e.do(t, http.MethodGet, "/api/v1/datasets/a/intervals?begin=100&end=200", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(body))

	id := resp.Header.Get("X-Query-Id")
	require.Eventually(t, func() bool {
		q := e.queries.Get(id)
		return q != nil && q.Status == queryregistry.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestIntervals_StreamArrow(t *testing.T) {
	e := newTestEnv(t)
	scenarioA(t, e)

	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/a/intervals?format=arrow", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apache.arrow.stream", resp.Header.Get("Content-Type"))

	reader, err := ipc.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer reader.Release()

	var ids []string
	for reader.Next() {
		rec := reader.Record()
		col := rec.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
		assert.True(t, rec.Column(5).IsNull(0))
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestTrace_ScenarioB(t *testing.T) {
	e := newTestEnv(t)
	scenarioB(t, e)

	resp, body := e.do(t, http.MethodGet, "/api/v1/datasets/b/intervals/T/trace?begin=20&end=30", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var ids []string
	require.NoError(t, json.Unmarshal(body, &ids), string(body))
	assert.Equal(t, []string{"T", "P"}, ids)

	resp, body2 := e.do(t, http.MethodGet, "/api/v1/datasets/b/intervals/T/Trace?begin=20&end=30", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(body), string(body2))

	resp, _ = e.do(t, http.MethodGet, "/api/v1/datasets/b/intervals/nope/trace", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestQueryManagement(t *testing.T) {
	e := newTestEnv(t)

	id, ctx := e.queries.Register(context.Background(), queryregistry.Spec{Kind: queryregistry.KindTrace, Dataset: "b"})

	resp, body := e.do(t, http.MethodGet, "/api/v1/queries/active", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), id)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/queries/"+id, nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/queries/"+id, nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.ErrorIs(t, context.Cause(ctx), queryregistry.ErrCancelled)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/queries/"+id, nil, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/queries/unknown", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/queries/history?limit=5", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"cancelled"`)
}

func TestLogsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/v1/logs?limit=5&level=error", nil, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"limit":5`)
}

func seqOf(items []string, failAt int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, it := range items {
			if i == failAt {
				yield("", errors.New("broken link"))
				return
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}

func TestWriteJSONArray(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	n, err := writeJSONArray(context.Background(), w, seqOf([]string{"a", "b"}, -1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, `["a","b"]`, buf.String())
}

func TestWriteJSONArray_FailureWithholdsClosingBracket(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	n, err := writeJSONArray(context.Background(), w, seqOf([]string{"a", "b", "c"}, 2))
	assert.EqualError(t, err, "broken link")
	assert.Equal(t, 2, n)
	assert.Equal(t, `["a","b"`, buf.String())
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestWriteJSONArray_CancelStopsProduction(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	produced := 0
	seq := func(yield func(int, error) bool) {
		for i := 0; ; i++ {
			produced++
			if i == 3 {
				cancel(queryregistry.ErrCancelled)
			}
			if !yield(i, nil) {
				return
			}
		}
	}

	var buf bytes.Buffer
	n, err := writeJSONArray(ctx, bufio.NewWriter(&buf), seq)
	assert.ErrorIs(t, err, queryregistry.ErrCancelled)
	assert.Equal(t, 3, n)
	assert.Equal(t, 4, produced)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteJSONArray_ClientGone(t *testing.T) {
	items := make([]string, flushEvery*2)
	for i := range items {
		items[i] = "x"
	}
	n, err := writeJSONArray(context.Background(), bufio.NewWriterSize(failingWriter{}, 16), seqOf(items, -1))
	assert.ErrorIs(t, err, errClientGone)
	assert.Less(t, n, len(items))
}
