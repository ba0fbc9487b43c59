// Package executor runs one component through its upgrade procedure.
//
// The procedure is gate, back up, stage, stop, swap, start, verify. Each
// step is journaled through the State Store before the next one begins,
// so a crash leaves a session that says exactly how far the component
// got. Resume uses that journal to recover the component instead of
// repeating destructive steps blindly.
//
// From stop to verify the component is in its critical section: the
// caller's cancellation is ignored there, because abandoning a stopped
// service is worse than finishing the step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// Journal is the subset of the State Store the executor persists through.
type Journal interface {
	Read() (*state.Session, error)
	BeginComponent(name, from, to string) error
	MarkStep(name string, step state.Step) error
	SetVersions(name, from, to string) error
	CompleteComponent(name string, out state.Outcome) error
	FailComponent(name, message string, out state.Outcome) error
	SkipComponent(name, reason string) error
}

var _ Journal = (*state.Store)(nil)

// Skip reasons recorded in the session.
const (
	ReasonAtTarget     = "already at target version"
	ReasonNotInstalled = "not installed"
)

// Result is the terminal outcome of one component.
type Result struct {
	Component string
	Status    state.ComponentStatus
	From      string
	To        string
	Reason    string
	Backup    string
	Checksum  string
	Duration  time.Duration

	// Err is the failure cause when Status is failed.
	Err error

	// RollbackErr is set when the automatic rollback itself failed.
	RollbackErr error
}

// Executor drives components through the upgrade procedure.
type Executor struct {
	journal   Journal
	mgr       *manager.Manager
	installer component.Installer
	services  component.ServiceController
	backup    func(component.Component) bool
	force     bool
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackupPolicy decides per component whether to take a backup.
// Default: always.
func WithBackupPolicy(fn func(component.Component) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.backup = fn
		}
	}
}

// CriticalOnly backs up only components marked critical.
func CriticalOnly(c component.Component) bool {
	return c.Config().Critical
}

// WithForce upgrades even components already at target.
func WithForce(force bool) Option {
	return func(e *Executor) {
		e.force = force
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Executor) {
		if s != nil {
			e.spans = s
		}
	}
}

// New creates an Executor.
func New(journal Journal, mgr *manager.Manager, installer component.Installer, services component.ServiceController, opts ...Option) *Executor {
	e := &Executor{
		journal:   journal,
		mgr:       mgr,
		installer: installer,
		services:  services,
		backup:    func(component.Component) bool { return true },
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the state of one Upgrade call.
type run struct {
	c       component.Component
	start   time.Time
	logger  *slog.Logger
	from    version.Version
	backup  *manager.Backup
	stopped bool
}

// Upgrade runs c through the procedure and records the terminal status.
// The returned error is non-nil only when the outcome could not be
// persisted or a rollback failed; an ordinary component failure is
// reported in Result with a nil error.
func (e *Executor) Upgrade(ctx context.Context, c component.Component) (res Result, err error) {
	start := time.Now()
	ctx, span := e.spans.StartComponentSpan(ctx, c.Name())
	defer func() {
		res.Duration = time.Since(start)
		e.spans.EndSpanWithError(span, firstErr(err, res.Err))
		if res.Status.Terminal() {
			e.metrics.RecordComponent(ctx, c.Name(), string(res.Status), res.Duration, res.Err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{Component: c.Name()}, err
	}
	if err := e.journal.BeginComponent(c.Name(), "", c.Target().String()); err != nil {
		return Result{Component: c.Name()}, err
	}
	return e.proceed(ctx, c)
}

// proceed runs everything after BeginComponent.
func (e *Executor) proceed(ctx context.Context, c component.Component) (Result, error) {
	r := e.newRun(c)
	res := Result{Component: c.Name(), To: c.Target().String()}

	current, err := e.mgr.DetectInstalledVersion(ctx, c)
	switch {
	case errors.Is(err, uperrors.ErrNotInstalled):
		return e.skip(c, res, ReasonNotInstalled)
	case err != nil:
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return e.fail(ctx, r, res, err)
	}
	r.from = current
	res.From = current.String()

	if !e.mgr.NeedsUpgrade(current, c.Target(), e.force) {
		return e.skip(c, res, ReasonAtTarget)
	}
	return e.finish(ctx, r, res, e.plan(current, c))
}

// finish applies hops starting from r.from and completes c.
func (e *Executor) finish(ctx context.Context, r *run, res Result, hops []version.Version) (Result, error) {
	c := r.c
	for _, hop := range hops {
		if err := e.applyHop(ctx, r, hop); err != nil {
			if errors.Is(err, errPersist) {
				return res, err
			}
			if ctx.Err() != nil && !r.stopped {
				return res, ctx.Err()
			}
			return e.fail(ctx, r, res, err)
		}
		r.from = hop
	}

	if err := e.journal.SetVersions(c.Name(), res.From, res.To); err != nil {
		return res, err
	}
	sum, err := manager.Checksum(c.Binary())
	if err != nil {
		return e.fail(ctx, r, res, err)
	}
	var out state.Outcome
	if r.backup != nil {
		out.Checksum = sum
		out.BackupPath = r.backup.Dir
		out.RollbackAvailable = true
	}
	if err := e.journal.CompleteComponent(c.Name(), out); err != nil {
		return res, err
	}

	res.Status = state.ComponentCompleted
	res.Checksum = sum
	res.Backup = out.BackupPath
	observability.LogComponentComplete(r.logger, c.Name(), res.To, float64(time.Since(r.start).Milliseconds()))
	return res, nil
}

func (e *Executor) newRun(c component.Component) *run {
	return &run{c: c, start: time.Now(), logger: e.logger.With(slog.String("component", c.Name()))}
}

func (e *Executor) plan(current version.Version, c component.Component) []version.Version {
	return Hops(current, c)
}

// Hops returns the versions an upgrade from current passes through:
// every intermediate hop strictly between current and target, then
// target.
func Hops(current version.Version, c component.Component) []version.Version {
	var hops []version.Version
	for _, h := range c.Hops() {
		if current.Less(h) && h.Less(c.Target()) {
			hops = append(hops, h)
		}
	}
	return append(hops, c.Target())
}

// errPersist marks journal failures, which abort without rollback: the
// session on disk still says how far the component got.
var errPersist = errors.New("persist step")

func (e *Executor) step(ctx context.Context, r *run, s state.Step) error {
	if err := e.journal.MarkStep(r.c.Name(), s); err != nil {
		return fmt.Errorf("%w %s: %w", errPersist, s, err)
	}
	observability.LogStep(r.logger, r.c.Name(), string(s))
	e.spans.AddSpanEvent(ctx, string(s))
	return nil
}

// applyHop performs one full cycle from r.from to target.
func (e *Executor) applyHop(ctx context.Context, r *run, target version.Version) error {
	c := r.c
	r.stopped = false
	observability.LogComponentStart(r.logger, c.Name(), r.from.String(), target.String())
	if err := e.journal.SetVersions(c.Name(), r.from.String(), target.String()); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	if err := e.step(ctx, r, state.StepGated); err != nil {
		return err
	}

	if e.backup(c) {
		b, err := e.mgr.BackupComponent(c, r.from.String())
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		r.backup = &b
		if err := e.step(ctx, r, state.StepBackedUp); err != nil {
			return err
		}
	}

	staged, err := c.Install(ctx, e.installer, target)
	if err != nil {
		return fmt.Errorf("stage %s: %w", target, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Critical section: finish even if the caller gives up.
	crit := context.WithoutCancel(ctx)

	r.stopped = true
	if err := component.StopService(crit, e.services, c); err != nil {
		return fmt.Errorf("stop %s: %w", c.Service(), err)
	}
	if err := e.step(crit, r, state.StepStopped); err != nil {
		return err
	}

	if _, err := manager.SwapBinary(staged, c.Binary()); err != nil {
		return err
	}
	if err := e.step(crit, r, state.StepSwapped); err != nil {
		return err
	}

	if err := e.services.Start(crit, c.Service()); err != nil {
		return fmt.Errorf("start %s: %w", c.Service(), err)
	}
	if err := e.step(crit, r, state.StepStarted); err != nil {
		return err
	}

	if err := e.verify(crit, c, target); err != nil {
		return err
	}
	return e.step(crit, r, state.StepVerified)
}

// verify requires a healthy service reporting exactly the expected version.
func (e *Executor) verify(ctx context.Context, c component.Component, want version.Version) error {
	if err := e.mgr.HealthCheck(ctx, c); err != nil {
		return err
	}
	got, err := e.mgr.DetectInstalledVersion(ctx, c)
	if err != nil {
		return fmt.Errorf("verify version: %w", err)
	}
	if version.Compare(got, want) != version.Equal {
		return fmt.Errorf("verify version: installed %s, expected %s", got, want)
	}
	return nil
}

// fail rolls back if the live binary or service may have been touched
// and a backup exists, then records the component failed.
func (e *Executor) fail(ctx context.Context, r *run, res Result, cause error) (Result, error) {
	c := r.c
	observability.LogComponentError(r.logger, c.Name(), cause)
	res.Status = state.ComponentFailed
	res.Err = cause

	out := state.Outcome{}
	var fatal error
	if r.stopped {
		if r.backup != nil {
			res.Backup = r.backup.Dir
			out.BackupPath = r.backup.Dir
			rbErr := e.mgr.RestoreBackup(context.WithoutCancel(ctx), c, *r.backup)
			e.metrics.RecordRollback(ctx, c.Name(), rbErr)
			observability.LogRollback(r.logger, c.Name(), r.backup.Dir, rbErr)
			if rbErr != nil {
				res.RollbackErr = rbErr
				fatal = rbErr
			} else {
				out.Checksum = r.backup.Checksum()
			}
		} else {
			r.logger.Error("no backup was taken, component left as is")
		}
	}

	msg := cause.Error()
	if res.RollbackErr != nil {
		msg = fmt.Sprintf("%s; %s", msg, res.RollbackErr)
	}
	if err := e.journal.FailComponent(c.Name(), msg, out); err != nil {
		return res, errors.Join(fatal, err)
	}
	res.Checksum = out.Checksum
	return res, fatal
}

func (e *Executor) skip(c component.Component, res Result, reason string) (Result, error) {
	if err := e.journal.SkipComponent(c.Name(), reason); err != nil {
		return res, err
	}
	observability.LogComponentSkipped(e.logger, c.Name(), reason)
	res.Status = state.ComponentSkipped
	res.Reason = reason
	return res, nil
}

// Skip records c as skipped without touching it.
func (e *Executor) Skip(c component.Component, reason string) (Result, error) {
	return e.skip(c, Result{Component: c.Name(), To: c.Target().String()}, reason)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
