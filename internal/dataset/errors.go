package dataset

import (
	"errors"

	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/trace"
)

// Query and lifecycle errors. The aliases let callers classify failures from
// the lower layers without importing them.
var (
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrIndexUnavailable = errors.New("dataset has no interval index")
	ErrDatasetExists    = errors.New("dataset already exists")
	ErrIngestInProgress = errors.New("dataset is already ingesting")
	ErrIngestClosed     = errors.New("ingestion already committed or aborted")
	ErrInvalidLabel     = errors.New("invalid dataset label")
	ErrCodeNotFound     = errors.New("dataset does not include source code of that kind")
	ErrUnknownCodeKind  = errors.New("unknown source code kind")
	ErrIndexCorrupt     = errors.New("index refers to an interval missing from the store")

	ErrSelectorNotFound = index.ErrSelectorNotFound
	ErrInvalidWindow    = index.ErrInvalidWindow
	ErrUnknownInterval  = trace.ErrUnknownInterval
)
