package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monalisha31/traveler-integrated/internal/config"
	"github.com/monalisha31/traveler-integrated/internal/dataset"
)

const eventLog = `Location,Primitive,Timestamp,Event
0,main,0,ENTER
0,step,10,ENTER
0,step,20,LEAVE
0,main,30,LEAVE
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Storage.LocalPath = filepath.Join(dir, "snapshots")
	cfg.Catalog.Path = filepath.Join(dir, "catalog", "traveler.db")
	cfg.Log.Level = "error"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunBundle_RestoresOnNextOpen(t *testing.T) {
	color.NoColor = true
	cfg := testConfig(t)
	ctx := context.Background()

	opts := bundleOptions{
		label: "run1",
		csv:   []string{writeFile(t, "events.csv", eventLog)},
		code:  map[dataset.CodeKind]string{dataset.CodePython: writeFile(t, "main.py", "print(1)\n")},
	}
	var out bytes.Buffer
	require.NoError(t, runBundle(ctx, cfg, opts, &out))
	assert.Contains(t, out.String(), "events.csv: 2 intervals from 4 rows")
	assert.Contains(t, out.String(), "bundled run1: 2 intervals, 1 locations, 2 primitives")

	err := runBundle(ctx, cfg, opts, &out)
	assert.ErrorContains(t, err, "already exists")

	opts.replace = true
	out.Reset()
	require.NoError(t, runBundle(ctx, cfg, opts, &out))
	assert.Contains(t, out.String(), "replaced")

	st, err := openStack(cfg)
	require.NoError(t, err)
	defer st.Close()
	restored, err := st.snapshots.LoadAll(ctx, st.registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"run1"}, restored)

	hist, err := st.registry.Histogram(context.Background(), "run1", dataset.HistogramQuery{Bins: 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4.0 / 3.0}, hist, 1e-9)

	d, err := st.registry.Get("run1")
	require.NoError(t, err)
	code, err := d.Code(dataset.CodePython)
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", code.Text)
}

func TestRunBundle_BadInputLeavesNothing(t *testing.T) {
	color.NoColor = true
	cfg := testConfig(t)
	ctx := context.Background()

	opts := bundleOptions{
		label: "bad",
		csv:   []string{writeFile(t, "bad.csv", "Location,Primitive\n0,main\n")},
	}
	var out bytes.Buffer
	require.Error(t, runBundle(ctx, cfg, opts, &out))

	st, err := openStack(cfg)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.catalog.Get(ctx, "bad")
	assert.Error(t, err)
}

func TestRunBundle_InvalidLabel(t *testing.T) {
	err := runBundle(context.Background(), testConfig(t), bundleOptions{label: "../x"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, dataset.ErrInvalidLabel)
}
