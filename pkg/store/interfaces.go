package store

import (
	"context"
	"errors"

	"etmapd/pkg/model"
)

// Sentinel errors for the job store contract.
var (
	// ErrDuplicateID is returned by Insert when the identifier exists.
	ErrDuplicateID = errors.New("duplicate job identifier")
	// ErrDuplicateKey is returned by Insert when another row already
	// holds the same (date_from, date_to, geometry) tuple.
	ErrDuplicateKey = errors.New("duplicate deduplication key")
	// ErrNotFound is returned when an identifier has no row.
	ErrNotFound = errors.New("job not found")
	// ErrUnavailable wraps underlying persistence I/O failures.
	ErrUnavailable = errors.New("job store unavailable")
)

// JobStore handles durable persistence of Job records. Operations on a
// single identifier are serializable; callers on different identifiers
// may run concurrently.
type JobStore interface {
	Insert(ctx context.Context, job *model.Job) error
	UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string) error
	Get(ctx context.Context, id string) (*model.Job, error)
	FindByDateRange(ctx context.Context, dateFrom, dateTo string) ([]*model.Job, error)
	ListNonTerminal(ctx context.Context) ([]*model.Job, error)

	// Close closes the store connection.
	Close() error
}
