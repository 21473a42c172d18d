package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monalisha31/traveler-integrated/internal/circuitbreaker"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestLocalBackend_BasicOperations(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "run1/intervals.msgpack.zst", []byte("hello")))
		data, err := backend.Read(ctx, "run1/intervals.msgpack.zst")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		require.NoError(t, backend.Write(ctx, "run1/intervals.msgpack.zst", []byte("replaced")))
		data, err = backend.Read(ctx, "run1/intervals.msgpack.zst")
		require.NoError(t, err)
		assert.Equal(t, "replaced", string(data))
	})

	t.Run("Read missing", func(t *testing.T) {
		_, err := backend.Read(ctx, "nope/intervals.msgpack.zst")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Exists and Delete", func(t *testing.T) {
		exists, err := backend.Exists(ctx, "gone/x")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, backend.Write(ctx, "gone/x", []byte("data")))
		exists, err = backend.Exists(ctx, "gone/x")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, backend.Delete(ctx, "gone/x"))
		require.NoError(t, backend.Delete(ctx, "gone/x"), "deleting twice is fine")
		_, err = os.Stat(filepath.Join(backend.BasePath(), "gone"))
		assert.True(t, os.IsNotExist(err), "empty directory is pruned")
	})
}

func TestLocalBackend_List(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	for _, p := range []string{"b/intervals.msgpack.zst", "a/intervals.msgpack.zst", "a/extra.bin", "ab/intervals.msgpack.zst"} {
		require.NoError(t, backend.Write(ctx, p, []byte("x")))
	}
	// Leftover temp files are hidden.
	require.NoError(t, os.WriteFile(filepath.Join(backend.BasePath(), "a", ".traveler-1.tmp"), []byte("x"), 0600))

	all, err := backend.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/extra.bin", "a/intervals.msgpack.zst", "ab/intervals.msgpack.zst", "b/intervals.msgpack.zst"}, all)

	dir, err := backend.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/extra.bin", "a/intervals.msgpack.zst"}, dir)

	partial, err := backend.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, partial, 3)

	none, err := backend.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalBackend_PathsStayInsideBase(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	require.NoError(t, backend.Write(ctx, "../../escape", []byte("x")))
	_, err := os.Stat(filepath.Join(backend.BasePath(), "escape"))
	assert.NoError(t, err, "traversal is clamped to the base directory")

	_, err = backend.Read(ctx, "bad\x00path")
	assert.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	backend, err := New(Config{Backend: "local", LocalPath: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", backend.Type())
	assert.NotEmpty(t, Describe(backend))

	_, err = New(Config{Backend: "tape"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Backend: "s3"}, zerolog.Nop())
	assert.Error(t, err, "bucket is required")
}

// flakyBackend fails the first n calls of every operation.
type flakyBackend struct {
	Backend
	failures int
	calls    int
	err      error
}

func (f *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Backend.Read(ctx, path)
}

func fastRetries() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         2,
		Timeout:             time.Hour,
		HalfOpenMaxRequests: 1,
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
	}
}

func TestResilientBackend_RetriesTransientErrors(t *testing.T) {
	local := newLocal(t)
	ctx := context.Background()
	require.NoError(t, local.Write(ctx, "r/x", []byte("data")))

	flaky := &flakyBackend{Backend: local, failures: 1, err: errors.New("timeout")}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	data, err := r.Read(ctx, "r/x")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, local, r.Unwrap().(*flakyBackend).Backend)
	assert.Equal(t, local.BasePath(), Describe(r))
}

func TestResilientBackend_NotFoundIsNotRetried(t *testing.T) {
	local := newLocal(t)
	flaky := &flakyBackend{Backend: local}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	for range 5 {
		_, err := r.Read(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 5, flaky.calls)
	assert.Equal(t, circuitbreaker.StateClosed, r.Breaker().State())
}

func TestResilientBackend_OpensBreaker(t *testing.T) {
	local := newLocal(t)
	flaky := &flakyBackend{Backend: local, failures: 100, err: errors.New("unavailable")}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	_, err := r.Read(context.Background(), "x")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls, "breaker opens after MaxFailures and stops retries")
	assert.Equal(t, circuitbreaker.StateOpen, r.Breaker().State())
}

func TestResilientBackend_GivesUpAfterRetries(t *testing.T) {
	local := newLocal(t)
	flaky := &flakyBackend{Backend: local, failures: 100, err: errors.New("unavailable")}
	cfg := fastRetries()
	cfg.MaxFailures = 100
	cfg.MaxRetries = 2
	r := NewResilientBackend(flaky, cfg, zerolog.Nop())

	_, err := r.Read(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, flaky.calls)
}
