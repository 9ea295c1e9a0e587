// Package etjob owns the job lifecycle records: creation with
// deduplication, validated status transitions and status views.
package etjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"etmapd/pkg/geometry"
	"etmapd/pkg/model"
	"etmapd/pkg/store"
)

// ErrInvalid marks request validation failures; HTTP maps it to 400.
var ErrInvalid = errors.New("invalid request")

// Manager creates and updates jobs in the store.
type Manager struct {
	store store.JobStore
	log   *slog.Logger
}

// NewManager creates a Manager on the given store.
func NewManager(st store.JobStore) *Manager {
	return &Manager{
		store: st,
		log:   slog.Default().With("component", "etjob"),
	}
}

// ParsedRequest is a validated creation request.
type ParsedRequest struct {
	DateFrom time.Time
	DateTo   time.Time
	Geometry orb.Geometry
	Raw      string // original request body, stored verbatim
}

// Parse validates the raw request body: well-formed JSON, dates in
// order and a decodable GeoJSON geometry. The body is kept verbatim so
// the stored record is an exact audit copy of what the client sent.
func Parse(raw []byte) (*ParsedRequest, error) {
	var req model.ETMapRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON body", ErrInvalid)
	}

	from, err := time.ParseInLocation(model.DateLayout, req.DateFrom, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date_from %q", ErrInvalid, req.DateFrom)
	}
	to, err := time.ParseInLocation(model.DateLayout, req.DateTo, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date_to %q", ErrInvalid, req.DateTo)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: date_to precedes date_from", ErrInvalid)
	}

	rawGeom, err := json.Marshal(req.Geometry)
	if err != nil {
		return nil, fmt.Errorf("%w: geometry not serializable", ErrInvalid)
	}
	geom, err := geometry.Decode(rawGeom)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &ParsedRequest{DateFrom: from, DateTo: to, Geometry: geom, Raw: string(raw)}, nil
}

// Create returns the job for the request, creating it when no job with
// the same canonical (date_from, date_to, geometry) key exists. The
// second return value reports whether the job is new.
func (m *Manager) Create(ctx context.Context, req *ParsedRequest) (*model.Job, bool, error) {
	existing, err := m.FindExisting(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		m.log.Info("request matches existing job", "job", existing.ID, "status", existing.Status)
		return existing, false, nil
	}

	canonical, err := geometry.Canonical(req.Geometry)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		DateFrom:        req.DateFrom,
		DateTo:          req.DateTo,
		Geometry:        canonical,
		OriginalRequest: req.Raw,
		Status:          model.StatusQueued,
	}
	if err := m.store.Insert(ctx, job); err != nil {
		// Two identical requests can both miss the lookup above; the
		// store's unique dedup index stops the loser, which then joins
		// the winner's job.
		if errors.Is(err, store.ErrDuplicateKey) {
			existing, ferr := m.FindExisting(ctx, req)
			if ferr == nil && existing != nil {
				m.log.Info("lost creation race, joining existing job", "job", existing.ID)
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	m.log.Info("job created", "job", job.ID,
		"from", req.DateFrom.Format(model.DateLayout), "to", req.DateTo.Format(model.DateLayout))
	return job, true, nil
}

// FindExisting returns the first job sharing the date pair whose stored
// geometry equals the request geometry by value, or nil.
func (m *Manager) FindExisting(ctx context.Context, req *ParsedRequest) (*model.Job, error) {
	candidates, err := m.store.FindByDateRange(ctx,
		req.DateFrom.Format(model.DateLayout), req.DateTo.Format(model.DateLayout))
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		stored, err := geometry.FromCanonical(cand.Geometry)
		if err != nil {
			m.log.Warn("stored geometry undecodable", "job", cand.ID, "error", err)
			continue
		}
		if geometry.Equal(stored, req.Geometry) {
			return cand, nil
		}
	}
	return nil, nil
}

// UpdateStatus applies a transition after checking it is legal from the
// job's current state.
func (m *Manager) UpdateStatus(ctx context.Context, id string, next model.Status, errorMessage string) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", job.Status, next, id)
	}
	if err := m.store.UpdateStatus(ctx, id, next, errorMessage); err != nil {
		return err
	}
	m.log.Info("status", "job", id, "from", job.Status, "to", next)
	return nil
}

// GetStatus returns the polling view of a job.
func (m *Manager) GetStatus(ctx context.Context, id string) (*model.StatusView, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var request any
	if job.OriginalRequest != "" {
		if err := json.Unmarshal([]byte(job.OriginalRequest), &request); err != nil {
			request = job.OriginalRequest
		}
	}

	return &model.StatusView{
		RequestID:    job.ID,
		Status:       string(job.Status),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Request:      request,
		ErrorMessage: job.ErrorMessage,
	}, nil
}

// Get returns the raw job record.
func (m *Manager) Get(ctx context.Context, id string) (*model.Job, error) {
	return m.store.Get(ctx, id)
}

// ListNonTerminal returns jobs that still need orchestration, for
// resume at startup.
func (m *Manager) ListNonTerminal(ctx context.Context) ([]*model.Job, error) {
	return m.store.ListNonTerminal(ctx)
}
