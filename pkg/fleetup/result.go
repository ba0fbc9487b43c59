package fleetup

import (
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/executor"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// Process exit codes. ExitSkipped lets automation tell an idempotent
// no-op from a failure.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitSkipped = 2
)

// Result is the outcome of Run or Resume.
type Result struct {
	UpgradeID string
	Mode      string
	Status    state.Status

	// Components holds the components processed by this call, in the
	// order they finished.
	Components []executor.Result

	// Counts tallies every component of the session after the call.
	Counts map[state.ComponentStatus]int

	// Report is set instead of the fields above for a dry run.
	Report *Report

	Duration time.Duration
}

// ExitCode maps the result to ExitSuccess, ExitFailure or ExitSkipped.
// A session with any failed component is a failure; one where every
// component was skipped is ExitSkipped.
func (r *Result) ExitCode() int {
	if r == nil {
		return ExitFailure
	}
	if r.Report != nil {
		upgrade, skip, failed := r.Report.Counts()
		switch {
		case failed > 0:
			return ExitFailure
		case upgrade == 0 && skip > 0:
			return ExitSkipped
		}
		return ExitSuccess
	}

	if r.Status == state.StatusFailed || r.Counts[state.ComponentFailed] > 0 {
		return ExitFailure
	}
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	if total > 0 && r.Counts[state.ComponentSkipped] == total {
		return ExitSkipped
	}
	return ExitSuccess
}
