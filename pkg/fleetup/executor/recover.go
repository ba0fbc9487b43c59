package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// Recover continues a component that a previous process left
// in_progress. If the journal shows the service was never stopped, the
// whole procedure reruns. Otherwise the service is started if needed and
// verified against the version the interrupted hop was installing:
// healthy means the hop finished and the remaining hops (if any) run;
// anything else rolls back and fails the component.
func (e *Executor) Recover(ctx context.Context, c component.Component) (res Result, err error) {
	start := time.Now()
	ctx, span := e.spans.StartComponentSpan(ctx, c.Name())
	defer func() {
		res.Duration = time.Since(start)
		e.spans.EndSpanWithError(span, firstErr(err, res.Err))
		if res.Status.Terminal() {
			e.metrics.RecordComponent(ctx, c.Name(), string(res.Status), res.Duration, res.Err)
		}
	}()

	cs, err := e.current(c)
	if err != nil {
		return Result{Component: c.Name()}, err
	}
	if cs == nil || cs.Status != state.ComponentInProgress {
		return Result{Component: c.Name()}, fmt.Errorf("%w: %s is not in progress", state.ErrInvalidTransition, c.Name())
	}

	if !cs.Step.Reached(state.StepStopped) {
		e.logger.Info("recovering component before stop, rerunning procedure",
			slog.String("component", c.Name()),
			slog.String("step", string(cs.Step)))
		if err := ctx.Err(); err != nil {
			return Result{Component: c.Name()}, err
		}
		if err := e.journal.BeginComponent(c.Name(), "", c.Target().String()); err != nil {
			return Result{Component: c.Name()}, err
		}
		return e.proceed(ctx, c)
	}

	e.logger.Warn("recovering component interrupted in its critical section",
		slog.String("component", c.Name()),
		slog.String("step", string(cs.Step)),
		slog.String("to", cs.ToVersion))

	r := e.newRun(c)
	r.stopped = true
	r.backup = e.backupSince(c, cs)
	res = Result{Component: c.Name(), From: cs.FromVersion, To: c.Target().String()}

	want, err := version.Parse(cs.ToVersion)
	if err != nil {
		return e.fail(ctx, r, res, fmt.Errorf("journal has unusable target version: %w", err))
	}

	crit := context.WithoutCancel(ctx)
	active, err := e.services.IsActive(crit, c.Service())
	if err != nil {
		return e.fail(ctx, r, res, fmt.Errorf("query %s: %w", c.Service(), err))
	}
	if !active {
		if err := e.services.Start(crit, c.Service()); err != nil {
			return e.fail(ctx, r, res, fmt.Errorf("start %s: %w", c.Service(), err))
		}
	}
	if err := e.verify(crit, c, want); err != nil {
		return e.fail(ctx, r, res, err)
	}
	if err := e.step(crit, r, state.StepVerified); err != nil {
		return res, err
	}

	// The interrupted hop finished; run whatever hops remain.
	r.from = want
	if res.From == "" {
		res.From = want.String()
	}
	var hops []version.Version
	if version.Compare(want, c.Target()) != version.Equal {
		hops = e.plan(want, c)
	}
	return e.finish(ctx, r, res, hops)
}

// Abort fails a component whose procedure ended abnormally (a panic
// recovered by the caller). It rolls back when the journal shows the
// service was stopped and a backup from this attempt exists.
func (e *Executor) Abort(ctx context.Context, c component.Component, cause error) (Result, error) {
	cs, err := e.current(c)
	if err != nil {
		return Result{Component: c.Name()}, err
	}
	res := Result{Component: c.Name(), To: c.Target().String()}
	if cs != nil && cs.Status.Terminal() {
		res.Status = cs.Status
		return res, nil
	}

	r := e.newRun(c)
	if cs != nil && cs.Status == state.ComponentInProgress {
		res.From = cs.FromVersion
		r.stopped = cs.Step.Reached(state.StepStopped)
		r.backup = e.backupSince(c, cs)
	}
	return e.fail(ctx, r, res, cause)
}

func (e *Executor) current(c component.Component) (*state.ComponentState, error) {
	sess, err := e.journal.Read()
	if err != nil {
		return nil, err
	}
	return sess.Component(c.Name()), nil
}

// backupSince returns the newest backup taken during the journaled
// attempt, or nil if none was.
func (e *Executor) backupSince(c component.Component, cs *state.ComponentState) *manager.Backup {
	if !e.backup(c) || cs.StartedAt == nil {
		return nil
	}
	b, err := e.mgr.LatestBackup(c.Name())
	if err != nil {
		return nil
	}
	// Backup stamps have second-or-better resolution; allow for rounding.
	if b.Created().Before(cs.StartedAt.Add(-time.Second)) {
		return nil
	}
	return &b
}
