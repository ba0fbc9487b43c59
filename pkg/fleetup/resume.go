package fleetup

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// ReasonRemoved is recorded for a component the session planned but the
// current plan no longer declares.
const ReasonRemoved = "no longer in plan"

// Resume re-enters the in-progress session under its original
// upgrade_id and mode, and continues from the first component that is
// not terminal. Terminal components are never touched; a component left
// in_progress by a crash is recovered from its step journal.
//
// Resume is safe to call repeatedly. It returns ErrNothingToResume when
// no session is in progress.
//
// Example:
//
//	// A previous run was killed after node_exporter completed
//	// Resume leaves node_exporter alone and continues with loki
//	res, err := orch.Resume(ctx)
func (o *Orchestrator) Resume(ctx context.Context) (*Result, error) {
	sess, err := o.store.Read()
	if err != nil {
		return nil, err
	}
	if sess.Status != state.StatusInProgress {
		return nil, ErrNothingToResume
	}

	lk, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer o.release(lk)

	// Another process may have finished it while we waited.
	sess, err = o.store.Read()
	if err != nil {
		return nil, err
	}
	if sess.Status != state.StatusInProgress {
		return nil, ErrNothingToResume
	}

	logger := o.logger.With(slog.String("upgrade_id", sess.UpgradeID))
	for _, name := range slices.Sorted(maps.Keys(sess.Components)) {
		cs := sess.Components[name]
		if cs.Status.Terminal() {
			continue
		}
		if _, ok := o.comps.Get(name); ok {
			continue
		}
		logger.Warn("component no longer in plan", slog.String("component", name), slog.String("status", string(cs.Status)))
		if cs.Status == state.ComponentInProgress {
			err = o.store.FailComponent(name, "interrupted and "+ReasonRemoved, state.Outcome{})
		} else {
			err = o.store.SkipComponent(name, ReasonRemoved)
		}
		if err != nil {
			return nil, err
		}
	}

	counts := sess.Counts()
	logger.Info("resuming upgrade",
		slog.String("mode", sess.Mode),
		slog.Int("pending", counts[state.ComponentPending]),
		slog.Int("in_progress", counts[state.ComponentInProgress]))
	return o.drive(ctx, lk, sess.UpgradeID, sess.Mode, false, o.plan.Phases)
}
