package fleetup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/executor"
	"github.com/randalmurphal/fleetup/pkg/fleetup/lock"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// Run upgrades the components of one phase, or of every phase when phase
// is "" or "all".
//
// Execution flow:
//  1. Validate mode and phase; a dry run stops here with a Report
//  2. Pre-flight the binaries and host resources
//  3. Take the session lock and begin a session
//  4. For each phase: checkpoint, then process its components with the
//     phase's concurrency bound
//  5. Complete the session, or fail it on a fatal error
//
// A component failure is recorded in the Result and does not make Run
// return an error. Errors are reserved for conditions that stop the
// session: a failed rollback, a lost lock, or cancellation (the session
// then stays in progress for Resume).
func (o *Orchestrator) Run(ctx context.Context, phase, mode string, force bool) (*Result, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	phases, err := o.selectPhases(phase)
	if err != nil {
		return nil, err
	}
	if mode == config.ModeDryRun {
		report, err := o.DryRun(ctx, phase, mode, force)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: mode, Report: report}, nil
	}

	var (
		comps []component.Component
		names []string
	)
	for _, ph := range phases {
		for _, name := range ph.Components {
			c, ok := o.comps.Get(name)
			if !ok {
				return nil, fmt.Errorf("phase %s references undeclared component %q", ph.Name, name)
			}
			comps = append(comps, c)
			names = append(names, name)
		}
	}
	if err := o.mgr.Preflight(ctx, comps); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	lk, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer o.release(lk)

	id, err := o.store.BeginUpgrade(mode, names...)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, lk, id, mode, force, phases)
}

// driver carries one Run or Resume through the phases.
type driver struct {
	o      *Orchestrator
	lk     *lock.Lock
	id     string
	mode   string
	force  bool
	logger *slog.Logger
	exec   *executor.Executor

	mu        sync.Mutex
	results   []executor.Result
	blockedBy string
	fatal     error
	cancelled *CancellationError
}

func (o *Orchestrator) drive(ctx context.Context, lk *lock.Lock, id, mode string, force bool, phases []config.PhaseConfig) (res *Result, err error) {
	start := time.Now()
	logger := o.logger.With(slog.String("upgrade_id", id))
	d := &driver{
		o:      o,
		lk:     lk,
		id:     id,
		mode:   mode,
		force:  force,
		logger: logger,
		exec:   o.newExecutor(mode, force, logger),
	}

	ctx, span := o.spans.StartUpgradeSpan(ctx, id, mode)
	defer func() {
		o.spans.EndSpanWithError(span, err)
	}()

	sess, err := o.store.Read()
	if err != nil {
		return nil, err
	}
	observability.LogUpgradeStart(logger, id, mode, len(sess.Components))
	if !o.plan.ContinueOnFailure {
		d.blockedBy = firstFailed(sess)
	}

	for _, ph := range phases {
		if d.halted() {
			break
		}
		d.phase(ctx, ph)
	}
	return d.finish(ctx, start)
}

func (d *driver) phase(ctx context.Context, ph config.PhaseConfig) {
	pending, err := d.pending(ph)
	if err != nil {
		d.setFatal(err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// The phase a failure happened in runs to the end; only later phases
	// are blocked. A resumed session re-enters that phase the same way.
	if by := d.blocker(); by != "" && !slices.Contains(ph.Components, by) {
		reason := "blocked by failed component " + by
		for _, c := range pending {
			res, err := d.exec.Skip(c, reason)
			d.record(ctx, c, "skip", res, err)
		}
		return
	}
	if err := ctx.Err(); err != nil {
		d.cancel(pending[0].Name(), err)
		return
	}

	cp, err := d.o.store.CreateCheckpoint(config.PhaseCheckpointPrefix+ph.Name, fmt.Sprintf("before phase %s (%s risk)", ph.Name, ph.Risk))
	if err != nil {
		observability.LogCheckpointError(d.logger, ph.Name, err)
	} else {
		observability.LogCheckpoint(d.logger, cp.Name, cp.File)
	}

	ctx, span := d.o.spans.StartPhaseSpan(ctx, ph.Name)
	defer func() { d.o.spans.EndSpanWithError(span, d.err()) }()
	observability.LogPhaseStart(d.logger, ph.Name, string(ph.Risk), ph.Concurrency)

	var pool *ants.Pool
	if ph.Concurrency > 1 && len(pending) > 1 {
		pool, err = ants.NewPool(ph.Concurrency)
		if err != nil {
			d.setFatal(fmt.Errorf("phase %s worker pool: %w", ph.Name, err))
			return
		}
		defer pool.Release()
	}

	var wg sync.WaitGroup
	pause := d.o.plan.PauseFor(d.mode)
	for i, c := range pending {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
			case <-d.o.after(pause):
			}
		}
		if err := ctx.Err(); err != nil {
			d.cancel(c.Name(), err)
			break
		}
		if d.halted() {
			break
		}

		if pool == nil {
			d.process(ctx, c)
			d.verifyLock()
			continue
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			d.process(ctx, c)
		}); err != nil {
			wg.Done()
			d.setFatal(fmt.Errorf("submit %s: %w", c.Name(), err))
			break
		}
	}
	wg.Wait()
	if pool != nil {
		d.verifyLock()
	}
}

// process drives one component. A panic anywhere in its procedure is
// recovered and handed to the executor's Abort.
func (d *driver) process(ctx context.Context, c component.Component) {
	var (
		res executor.Result
		err error
		op  = "upgrade"
	)
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Component: c.Name(), Value: r, Stack: string(debug.Stack())}
			d.logger.Error("component panicked",
				slog.String("component", c.Name()),
				slog.Any("panic", r),
				slog.String("stack", perr.Stack))
			op = "abort"
			res, err = d.exec.Abort(ctx, c, perr)
		}
		d.record(ctx, c, op, res, err)
	}()

	cs, err := d.o.current(c.Name())
	if err != nil {
		return
	}
	switch {
	case cs == nil || cs.Status.Terminal():
		return
	case cs.Status == state.ComponentInProgress:
		op = "recover"
		res, err = d.exec.Recover(ctx, c)
	default:
		if d.mode == config.ModeSafe {
			ok, cerr := d.confirm(ctx, c)
			if cerr != nil {
				err = cerr
				return
			}
			if !ok {
				op = "skip"
				res, err = d.exec.Skip(c, ReasonDeclined)
				return
			}
		}
		res, err = d.exec.Upgrade(ctx, c)
	}
}

// confirm asks the operator about c. Components that would not be
// upgraded are not asked about; the executor skips or fails them.
func (d *driver) confirm(ctx context.Context, c component.Component) (bool, error) {
	plan, err := d.o.planComponent(ctx, c, d.mode, d.force)
	if err != nil {
		return false, err
	}
	if plan.Action != ActionUpgrade {
		return true, nil
	}
	ok, err := d.o.confirm.Confirm(ctx, plan)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.logger.Warn("confirmation failed, treating as declined",
			slog.String("component", c.Name()),
			slog.String("error", err.Error()))
		return false, nil
	}
	return ok, nil
}

func (d *driver) record(ctx context.Context, c component.Component, op string, res executor.Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if res.Status.Terminal() {
		d.results = append(d.results, res)
		if res.Status == state.ComponentFailed && !d.o.plan.ContinueOnFailure && d.blockedBy == "" {
			d.blockedBy = c.Name()
		}
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if d.cancelled == nil {
			d.cancelled = &CancellationError{UpgradeID: d.id, Next: c.Name(), Cause: ctx.Err()}
		}
		return
	}
	if d.fatal == nil {
		d.fatal = &ComponentError{Component: c.Name(), Op: op, Err: err}
	}
	d.logger.Error("stopping upgrade",
		slog.String("component", c.Name()),
		slog.String("op", op),
		slog.String("error", err.Error()))
}

func (d *driver) cancel(next string, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled == nil {
		d.cancelled = &CancellationError{UpgradeID: d.id, Next: next, Cause: cause}
	}
}

func (d *driver) setFatal(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal == nil {
		d.fatal = err
	}
}

func (d *driver) verifyLock() {
	if err := d.lk.Verify(); err != nil {
		d.setFatal(fmt.Errorf("%w: %w", ErrLockLost, err))
	}
}

func (d *driver) halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal != nil || d.cancelled != nil
}

// firstFailed names the component that failed earliest in sess, so a
// resumed session keeps blocking what a failure blocked before the crash.
func firstFailed(sess *state.Session) string {
	var (
		name string
		at   time.Time
	)
	for n, cs := range sess.Components {
		if cs.Status != state.ComponentFailed || cs.CompletedAt == nil {
			continue
		}
		if name == "" || cs.CompletedAt.Before(at) || (cs.CompletedAt.Equal(at) && n < name) {
			name, at = n, *cs.CompletedAt
		}
	}
	return name
}

func (d *driver) blocker() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockedBy
}

func (d *driver) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	if d.cancelled != nil {
		return d.cancelled
	}
	return nil
}

// pending returns the phase's components that are part of the session
// and not yet terminal, in phase order.
func (d *driver) pending(ph config.PhaseConfig) ([]component.Component, error) {
	sess, err := d.o.store.Read()
	if err != nil {
		return nil, err
	}
	var out []component.Component
	for _, name := range ph.Components {
		cs := sess.Component(name)
		if cs == nil || cs.Status.Terminal() {
			continue
		}
		c, ok := d.o.comps.Get(name)
		if !ok {
			return nil, fmt.Errorf("phase %s references undeclared component %q", ph.Name, name)
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *driver) finish(ctx context.Context, start time.Time) (*Result, error) {
	var runErr error
	switch {
	case d.fatal != nil:
		runErr = d.fatal
		if err := d.o.store.FailUpgrade(d.fatal.Error()); err != nil {
			d.logger.Error("record upgrade failure", slog.String("error", err.Error()))
		}
	case d.cancelled != nil:
		runErr = d.cancelled
	default:
		if err := d.o.store.CompleteUpgrade(); err != nil {
			runErr = err
		}
	}

	duration := time.Since(start)
	res := &Result{UpgradeID: d.id, Mode: d.mode, Components: d.results, Duration: duration}
	if sess, err := d.o.store.Read(); err == nil {
		res.Status = sess.Status
		res.Counts = sess.Counts()
	} else if runErr == nil {
		runErr = err
	}

	ms := float64(duration.Milliseconds())
	if runErr != nil {
		last := ""
		var cerr *ComponentError
		var canc *CancellationError
		switch {
		case errors.As(runErr, &cerr):
			last = cerr.Component
		case errors.As(runErr, &canc):
			last = canc.Next
		}
		observability.LogUpgradeError(d.logger, d.id, runErr, ms, last)
	} else {
		observability.LogUpgradeComplete(d.logger, d.id, ms,
			res.Counts[state.ComponentCompleted], res.Counts[state.ComponentFailed], res.Counts[state.ComponentSkipped])
	}
	d.o.metrics.RecordUpgrade(ctx, d.mode, runErr == nil && res.ExitCode() != ExitFailure, duration)
	d.o.export()
	return res, runErr
}

func (o *Orchestrator) current(name string) (*state.ComponentState, error) {
	sess, err := o.store.Read()
	if err != nil {
		return nil, err
	}
	return sess.Component(name), nil
}
