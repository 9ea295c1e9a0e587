package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
)

// Request is the unit of work handed to a dataset fetcher.
type Request struct {
	JobID    string
	Geometry orb.Geometry
	DateFrom time.Time
	DateTo   time.Time
}

// Fetcher downloads one dataset's raw files for a request. Fetch is
// idempotent: files already in the cache are never downloaded again,
// so a crashed job can simply be rerun.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, req *Request) error
}

// Manager dispatches fetches to registered dataset fetchers.
type Manager struct {
	fetchers map[string]Fetcher
	log      *slog.Logger
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		fetchers: make(map[string]Fetcher),
		log:      slog.Default().With("component", "fetch"),
	}
}

// Register adds a fetcher under its own name.
func (m *Manager) Register(f Fetcher) {
	m.fetchers[f.Name()] = f
}

// Names returns the registered dataset names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.fetchers))
	for n := range m.fetchers {
		names = append(names, n)
	}
	return names
}

// Fetch runs the named fetcher. An unknown dataset or a fetcher panic
// comes back as an error, a single bad fetcher must not take the
// orchestrator down.
func (m *Manager) Fetch(ctx context.Context, dataset string, req *Request) (err error) {
	f, ok := m.fetchers[dataset]
	if !ok {
		return newError(KindConfig, "no fetcher registered for dataset "+dataset, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("fetcher panicked", "dataset", dataset, "job", req.JobID, "panic", r)
			err = fmt.Errorf("fetcher %s panicked: %v", dataset, r)
		}
	}()

	start := time.Now()
	m.log.Info("fetch started", "dataset", dataset, "job", req.JobID,
		"from", req.DateFrom.Format("2006-01-02"), "to", req.DateTo.Format("2006-01-02"))

	err = f.Fetch(ctx, req)

	if err != nil {
		m.log.Error("fetch failed", "dataset", dataset, "job", req.JobID,
			"duration", time.Since(start), "error", err)
		return err
	}
	m.log.Info("fetch complete", "dataset", dataset, "job", req.JobID, "duration", time.Since(start))
	return nil
}
