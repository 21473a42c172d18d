// Package catalog keeps dataset metadata, source file records and attached
// code in SQLite so datasets can be listed and restored after a restart.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/dataset"
)

// ErrNotFound is returned when no catalog row matches.
var ErrNotFound = errors.New("catalog entry not found")

// Entry is a dataset's catalog row.
type Entry struct {
	Meta       dataset.Meta
	LastAccess time.Time
}

// Catalog is a SQLite-backed dataset catalog.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the catalog database at dbPath. ":memory:" gives a
// private in-memory catalog.
func Open(dbPath string, logger zerolog.Logger) (*Catalog, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// SQLite allows one writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		label TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_access TEXT,
		interval_count INTEGER NOT NULL DEFAULT 0,
		broken_links INTEGER NOT NULL DEFAULT 0,
		domain_begin REAL,
		domain_end REAL,
		locations TEXT NOT NULL DEFAULT '[]',
		primitives TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS source_files (
		label TEXT NOT NULL REFERENCES datasets(label) ON DELETE CASCADE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		added_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_source_files_label ON source_files(label, seq);

	CREATE TABLE IF NOT EXISTS source_code (
		label TEXT NOT NULL REFERENCES datasets(label) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		filename TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (label, kind)
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Upsert writes meta, replacing the dataset row and its source file list.
func (c *Catalog) Upsert(ctx context.Context, meta dataset.Meta) error {
	locations, err := json.Marshal(nonNil(meta.Locations))
	if err != nil {
		return err
	}
	primitives, err := json.Marshal(nonNil(meta.Primitives))
	if err != nil {
		return err
	}
	var begin, end sql.NullFloat64
	if meta.IntervalDomain != nil {
		begin = sql.NullFloat64{Float64: meta.IntervalDomain[0], Valid: true}
		end = sql.NullFloat64{Float64: meta.IntervalDomain[1], Valid: true}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO datasets (label, created_at, updated_at, interval_count, broken_links,
			domain_begin, domain_end, locations, primitives)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			updated_at = excluded.updated_at,
			interval_count = excluded.interval_count,
			broken_links = excluded.broken_links,
			domain_begin = excluded.domain_begin,
			domain_end = excluded.domain_end,
			locations = excluded.locations,
			primitives = excluded.primitives`,
		meta.Label, formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt),
		meta.IntervalCount, meta.BrokenLinks, begin, end,
		string(locations), string(primitives))
	if err != nil {
		return fmt.Errorf("failed to upsert dataset %s: %w", meta.Label, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_files WHERE label = ?`, meta.Label); err != nil {
		return fmt.Errorf("failed to reset source files: %w", err)
	}
	for i, sf := range meta.SourceFiles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_files (label, name, kind, added_at, seq) VALUES (?, ?, ?, ?, ?)`,
			meta.Label, sf.Name, sf.Kind, formatTime(sf.AddedAt), i); err != nil {
			return fmt.Errorf("failed to insert source file: %w", err)
		}
	}
	return tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// AddSourceFile appends one source file record to an existing dataset.
func (c *Catalog) AddSourceFile(ctx context.Context, label string, sf dataset.SourceFile) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO source_files (label, name, kind, added_at, seq)
		SELECT ?, ?, ?, ?, COALESCE((SELECT MAX(seq) + 1 FROM source_files WHERE label = ?), 0)
		WHERE EXISTS (SELECT 1 FROM datasets WHERE label = ?)`,
		label, sf.Name, sf.Kind, formatTime(sf.AddedAt), label, label)
	if err != nil {
		return fmt.Errorf("failed to add source file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return nil
}

const selectDataset = `
	SELECT label, created_at, updated_at, COALESCE(last_access, ''), interval_count, broken_links,
		domain_begin, domain_end, locations, primitives
	FROM datasets`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                            Entry
		created, updated, lastAccess string
		begin, end                   sql.NullFloat64
		locations, primitives        string
	)
	if err := row.Scan(&e.Meta.Label, &created, &updated, &lastAccess, &e.Meta.IntervalCount,
		&e.Meta.BrokenLinks, &begin, &end, &locations, &primitives); err != nil {
		return e, err
	}
	e.Meta.CreatedAt = parseTime(created)
	e.Meta.UpdatedAt = parseTime(updated)
	if lastAccess != "" {
		e.LastAccess = parseTime(lastAccess)
	}
	if begin.Valid && end.Valid {
		e.Meta.IntervalDomain = &[2]float64{begin.Float64, end.Float64}
	}
	if err := json.Unmarshal([]byte(locations), &e.Meta.Locations); err != nil {
		return e, fmt.Errorf("decode locations: %w", err)
	}
	if err := json.Unmarshal([]byte(primitives), &e.Meta.Primitives); err != nil {
		return e, fmt.Errorf("decode primitives: %w", err)
	}
	return e, nil
}

func (c *Catalog) sourceFiles(ctx context.Context, label string) ([]dataset.SourceFile, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, kind, added_at FROM source_files WHERE label = ? ORDER BY seq`, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []dataset.SourceFile{}
	for rows.Next() {
		var sf dataset.SourceFile
		var added string
		if err := rows.Scan(&sf.Name, &sf.Kind, &added); err != nil {
			return nil, err
		}
		sf.AddedAt = parseTime(added)
		files = append(files, sf)
	}
	return files, rows.Err()
}

// Get returns the entry for label.
func (c *Catalog) Get(ctx context.Context, label string) (Entry, error) {
	e, err := scanEntry(c.db.QueryRowContext(ctx, selectDataset+` WHERE label = ?`, label))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	if err != nil {
		return e, fmt.Errorf("failed to get dataset %s: %w", label, err)
	}
	if e.Meta.SourceFiles, err = c.sourceFiles(ctx, label); err != nil {
		return e, fmt.Errorf("failed to get source files for %s: %w", label, err)
	}
	return e, nil
}

// List returns every entry ordered by label.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, selectDataset+` ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		entries = append(entries, e)
	}
	// Close before the per-row queries; there is only one connection.
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].Meta.SourceFiles, err = c.sourceFiles(ctx, entries[i].Meta.Label); err != nil {
			return nil, fmt.Errorf("failed to get source files: %w", err)
		}
	}
	return entries, nil
}

// Delete removes a dataset and, by cascade, its source files and code.
// Deleting a missing label is not an error.
func (c *Catalog) Delete(ctx context.Context, label string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM datasets WHERE label = ?`, label); err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", label, err)
	}
	return nil
}

// PutCode stores code for a dataset, replacing any code of the same kind.
func (c *Catalog) PutCode(ctx context.Context, label string, code dataset.Code) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source_code (label, kind, filename, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(label, kind) DO UPDATE SET
			filename = excluded.filename, body = excluded.body, updated_at = excluded.updated_at`,
		label, string(code.Kind), code.Filename, code.Text, formatTime(code.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to store %s code for %s: %w", code.Kind, label, err)
	}
	return nil
}

// GetCode returns every code file attached to a dataset.
func (c *Catalog) GetCode(ctx context.Context, label string) ([]dataset.Code, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT kind, filename, body, updated_at FROM source_code WHERE label = ? ORDER BY kind`, label)
	if err != nil {
		return nil, fmt.Errorf("failed to get code for %s: %w", label, err)
	}
	defer rows.Close()

	var out []dataset.Code
	for rows.Next() {
		var code dataset.Code
		var kind, updated string
		if err := rows.Scan(&kind, &code.Filename, &code.Text, &updated); err != nil {
			return nil, err
		}
		code.Kind = dataset.CodeKind(kind)
		code.UpdatedAt = parseTime(updated)
		out = append(out, code)
	}
	return out, rows.Err()
}

// Touch records a read access to a dataset.
func (c *Catalog) Touch(ctx context.Context, label string, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE datasets SET last_access = ? WHERE label = ?`, formatTime(at), label)
	if err != nil {
		return fmt.Errorf("failed to touch dataset %s: %w", label, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return nil
}
