package model

import (
	"time"
)

// DateLayout is the wire and on-disk format for calendar dates.
const DateLayout = "2006-01-02"

// Job is a persisted ET map request and its lifecycle state.
type Job struct {
	ID              string
	DateFrom        time.Time // UTC midnight, inclusive
	DateTo          time.Time // UTC midnight, inclusive
	Geometry        string    // canonical WKB hex, the dedup key component
	OriginalRequest string    // verbatim client payload
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ErrorMessage    string
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Days returns every calendar day in [DateFrom, DateTo].
func (j *Job) Days() []time.Time {
	return DaysBetween(j.DateFrom, j.DateTo)
}

// DaysBetween enumerates calendar days in [from, to] inclusive.
func DaysBetween(from, to time.Time) []time.Time {
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ETMapRequest is the POST /etmap payload.
type ETMapRequest struct {
	DateFrom string         `json:"date_from"`
	DateTo   string         `json:"date_to"`
	Geometry map[string]any `json:"geometry"`
}

// StatusView is the polling representation of a job.
type StatusView struct {
	RequestID    string    `json:"request_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Request      any       `json:"request"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// DatasetCoverage is the per-dataset part of a coverage report.
type DatasetCoverage struct {
	Covered   bool    `json:"covered"`
	FileCount int     `json:"file_count"`
	DayRatio  float64 `json:"day_ratio,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// CoverageReport summarizes cache coverage for a request. It is derived
// from the on-disk cache at evaluation time and never persisted.
type CoverageReport struct {
	Datasets        map[string]DatasetCoverage `json:"datasets"`
	DatasetsCovered int                        `json:"datasets_covered"`
	TotalDatasets   int                        `json:"total_datasets"`
	NeedsFetching   []string                   `json:"needs_fetching"`
}

// Covered reports whether the named dataset needs no fetch.
func (r *CoverageReport) Covered(dataset string) bool {
	d, ok := r.Datasets[dataset]
	return ok && d.Covered
}
