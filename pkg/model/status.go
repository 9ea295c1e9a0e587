package model

// Status is a job lifecycle state. The literal strings are part of the
// HTTP contract and the database encoding; do not rename them.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusCheckingCoverage Status = "checking_coverage"

	StatusLandsatStarted Status = "landsat_started"
	StatusLandsatDone    Status = "landsat_done"
	StatusLandsatError   Status = "landsat_error"
	StatusLandsatSkipped Status = "landsat_skipped_covered"

	StatusPrismStarted Status = "prism_started"
	StatusPrismDone    Status = "prism_done"
	StatusPrismError   Status = "prism_error"
	StatusPrismSkipped Status = "prism_skipped_covered"

	StatusNLDASStarted Status = "nldas_started"
	StatusNLDASDone    Status = "nldas_done"
	StatusNLDASError   Status = "nldas_error"
	StatusNLDASSkipped Status = "nldas_skipped_covered"

	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"

	StatusCalcStarted  Status = "calculation_started"
	StatusCalcComplete Status = "calculation_complete"
	StatusCalcFailed   Status = "calculation_failed"
)

// Dataset names, in fetch order.
const (
	DatasetLandsat = "landsat"
	DatasetPrism   = "prism"
	DatasetNLDAS   = "nldas"
)

// DatasetOrder is the fixed per-job fetch sequence.
var DatasetOrder = []string{DatasetLandsat, DatasetPrism, DatasetNLDAS}

// transitions is the legal edge set of the state machine. A duplicate
// request may re-trigger calculation from a completed state, which is
// why calculation_started is reachable from three states.
var transitions = map[Status][]Status{
	StatusQueued:           {StatusCheckingCoverage},
	StatusCheckingCoverage: {StatusLandsatStarted, StatusLandsatSkipped, StatusFailed},

	StatusLandsatStarted: {StatusLandsatDone, StatusLandsatError},
	StatusLandsatDone:    {StatusPrismStarted, StatusPrismSkipped, StatusFailed},
	StatusLandsatSkipped: {StatusPrismStarted, StatusPrismSkipped, StatusFailed},
	StatusLandsatError:   {StatusFailed},

	StatusPrismStarted: {StatusPrismDone, StatusPrismError},
	StatusPrismDone:    {StatusNLDASStarted, StatusNLDASSkipped, StatusFailed},
	StatusPrismSkipped: {StatusNLDASStarted, StatusNLDASSkipped, StatusFailed},
	StatusPrismError:   {StatusFailed},

	StatusNLDASStarted: {StatusNLDASDone, StatusNLDASError},
	StatusNLDASDone:    {StatusSuccess},
	StatusNLDASSkipped: {StatusSuccess},
	StatusNLDASError:   {StatusFailed},

	StatusSuccess:      {StatusCalcStarted},
	StatusCalcStarted:  {StatusCalcComplete, StatusCalcFailed},
	StatusCalcComplete: {StatusCalcStarted},
	StatusCalcFailed:   {StatusCalcStarted},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is expected. The
// calculation_* states remain re-enterable for duplicate requests but
// count as terminal for the running orchestrator.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCalcComplete, StatusCalcFailed:
		return true
	}
	return false
}

// IsError reports whether s is a dataset error or final failure state.
func (s Status) IsError() bool {
	switch s {
	case StatusLandsatError, StatusPrismError, StatusNLDASError, StatusFailed, StatusCalcFailed:
		return true
	}
	return false
}

// DatasetStates returns the started/done/error/skipped states for a dataset.
func DatasetStates(dataset string) (started, done, errored, skipped Status) {
	switch dataset {
	case DatasetLandsat:
		return StatusLandsatStarted, StatusLandsatDone, StatusLandsatError, StatusLandsatSkipped
	case DatasetPrism:
		return StatusPrismStarted, StatusPrismDone, StatusPrismError, StatusPrismSkipped
	case DatasetNLDAS:
		return StatusNLDASStarted, StatusNLDASDone, StatusNLDASError, StatusNLDASSkipped
	}
	return "", "", "", ""
}
