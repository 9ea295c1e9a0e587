package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"etmapd/pkg/etjob"
	"etmapd/pkg/model"
	"etmapd/pkg/store"
)

// Orchestration is the slice of the orchestrator the handlers need.
type Orchestration interface {
	Start(ctx context.Context, job *model.Job)
	TriggerCalc(ctx context.Context, job *model.Job)
}

// CoverageChecker evaluates cache coverage on demand.
type CoverageChecker interface {
	Check(geom orb.Geometry, from, to time.Time) *model.CoverageReport
}

// JobRecorder receives job creation telemetry.
type JobRecorder interface {
	JobCreated()
	JobDeduplicated()
}

type nopJobRecorder struct{}

func (nopJobRecorder) JobCreated()      {}
func (nopJobRecorder) JobDeduplicated() {}

// calcRetrigger is the set of states from which a duplicate request
// re-runs the calculation.
var calcRetrigger = map[model.Status]bool{
	model.StatusSuccess:      true,
	model.StatusCalcComplete: true,
	model.StatusCalcFailed:   true,
}

// ETMapHandler serves the job lifecycle endpoints.
type ETMapHandler struct {
	jobs       *etjob.Manager
	orch       Orchestration
	checker    CoverageChecker
	resultsDir string
	recorder   JobRecorder

	// baseCtx outlives individual requests; orchestration must not die
	// with the HTTP connection that spawned it.
	baseCtx context.Context
	log     *slog.Logger
}

// NewETMapHandler creates the handler. recorder may be nil.
func NewETMapHandler(baseCtx context.Context, jobs *etjob.Manager, orch Orchestration, checker CoverageChecker, resultsDir string, recorder JobRecorder) *ETMapHandler {
	if recorder == nil {
		recorder = nopJobRecorder{}
	}
	return &ETMapHandler{
		jobs:       jobs,
		orch:       orch,
		checker:    checker,
		resultsDir: resultsDir,
		recorder:   recorder,
		baseCtx:    baseCtx,
		log:        slog.Default().With("component", "api"),
	}
}

// HandleCreate implements POST /etmap. The body is passed through
// verbatim, the stored request must be the client's exact bytes.
func (h *ETMapHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body", err.Error())
		return
	}

	parsed, err := etjob.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	job, created, err := h.jobs.Create(r.Context(), parsed)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if created {
		h.recorder.JobCreated()
		h.orch.Start(h.baseCtx, job)
		writeJSON(w, http.StatusCreated, map[string]string{"request_id": job.ID})
		return
	}

	h.recorder.JobDeduplicated()
	if calcRetrigger[job.Status] {
		h.orch.TriggerCalc(h.baseCtx, job)
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": job.ID})
}

// HandleStatus implements GET /etmap/{id}.json.
func (h *ETMapHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	view, err := h.jobs.GetStatus(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleResult implements GET /etmap/{id}/result: a summary with
// artifact links when the map is ready, otherwise a redirect to the
// status endpoint.
func (h *ETMapHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if !artifactReady(job.Status) {
		http.Redirect(w, r, "/etmap/"+id+".json", http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  id,
		"status":      string(job.Status),
		"preview_url": "/etmap/" + id + ".png",
		"raster_url":  "/etmap/" + id + ".tif",
	})
}

// HandleArtifact implements GET /etmap/{id}.png and .tif.
func (h *ETMapHandler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !artifactReady(job.Status) {
		writeError(w, http.StatusBadRequest, "calculation not complete", string(job.Status))
		return
	}

	ext := filepath.Ext(r.URL.Path) // ".png" or ".tif"
	path := filepath.Join(h.resultsDir, id, "etmap"+ext)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "artifact not found", "etmap"+ext)
		return
	}
	http.ServeFile(w, r, path)
}

// HandleCoverage implements POST /api/coverage: evaluate cache
// coverage for a request body without creating a job.
func (h *ETMapHandler) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body", err.Error())
		return
	}
	parsed, err := etjob.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	report := h.checker.Check(parsed.Geometry, parsed.DateFrom, parsed.DateTo)
	writeJSON(w, http.StatusOK, report)
}

// artifactReady reports whether result artifacts may be served.
func artifactReady(s model.Status) bool {
	return s == model.StatusCalcComplete || s == model.StatusSuccess
}

// jobID extracts and validates the identifier route parameter.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := uuid.Validate(id); err != nil {
		writeError(w, http.StatusBadRequest, "malformed identifier", id)
		return "", false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown identifier", "")
	default:
		// Redact internals; details live in the server log.
		slog.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
	}
}

func writeError(w http.ResponseWriter, code int, msg, details string) {
	writeJSON(w, code, map[string]string{"error": msg, "details": details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
