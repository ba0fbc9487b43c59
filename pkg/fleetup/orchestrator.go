package fleetup

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/executor"
	"github.com/randalmurphal/fleetup/pkg/fleetup/install"
	"github.com/randalmurphal/fleetup/pkg/fleetup/lock"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/service"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// LockName is the session lock directory inside the state directory.
const LockName = "fleetup.lock"

// Orchestrator runs a plan's phases against the host. It is the only
// writer of the session; every mutating operation holds the session
// lock for its whole duration.
type Orchestrator struct {
	plan  *config.Plan
	comps *component.Set
	store *state.Store
	mgr   *manager.Manager

	locker    *lock.Locker
	services  component.ServiceController
	installer component.Installer
	registry  *component.Registry
	textfile  *observability.TextfileExporter

	managerOpts []manager.Option
	lockOpts    []lock.Option
	stateOpts   []state.Option

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	confirm Confirmer
	after   func(time.Duration) <-chan time.Time
}

// New validates the plan and wires an Orchestrator for it. An invalid
// plan is rejected before anything is created on disk.
func New(plan *config.Plan, opts ...Option) (*Orchestrator, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		plan:    plan,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		confirm: declineAll{},
		after:   time.After,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.services == nil {
		o.services = service.NewSystemd(service.WithLogger(o.logger))
	}
	if o.installer == nil {
		o.installer = install.NewLocal(plan.ArtifactDir)
	}
	if o.registry == nil {
		o.registry = component.NewRegistry()
	}

	comps, err := o.registry.BuildAll(plan)
	if err != nil {
		return nil, err
	}
	o.comps = comps

	if plan.MetricsTextfile != "" {
		exp, err := observability.NewTextfileExporter(plan.MetricsTextfile)
		if err != nil {
			return nil, err
		}
		o.textfile = exp
	}

	stateOpts := []state.Option{
		state.WithLogger(o.logger),
		state.WithWriteLockTimeout(plan.Lock.Timeout.D()),
	}
	if plan.HistoryIndex != "" {
		idx, err := state.NewSQLiteIndex(plan.HistoryIndex)
		if err != nil {
			return nil, fmt.Errorf("open history index: %w", err)
		}
		stateOpts = append(stateOpts, state.WithIndex(idx))
	}
	store, err := state.Open(plan.StateDir, append(stateOpts, o.stateOpts...)...)
	if err != nil {
		return nil, err
	}
	o.store = store

	o.mgr = manager.FromPlan(plan, o.services,
		append([]manager.Option{manager.WithLogger(o.logger)}, o.managerOpts...)...)

	o.locker = lock.New(filepath.Join(plan.StateDir, LockName),
		append([]lock.Option{
			lock.WithTimeout(plan.Lock.Timeout.D()),
			lock.WithPollInterval(plan.Lock.PollInterval.D()),
			lock.WithLogger(o.logger),
		}, o.lockOpts...)...)
	return o, nil
}

// Close releases the history index.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

// Plan returns the plan the orchestrator was built from.
func (o *Orchestrator) Plan() *config.Plan { return o.plan }

// Store returns the session store.
func (o *Orchestrator) Store() *state.Store { return o.store }

// Manager returns the upgrade manager.
func (o *Orchestrator) Manager() *manager.Manager { return o.mgr }

// Status returns the session as it is on disk. It does not take the
// session lock: writes replace the file by rename, so a read always sees
// one complete document.
func (o *Orchestrator) Status() (*state.Session, error) {
	return o.store.Read()
}

// History lists archived sessions, newest first. limit <= 0 means all.
func (o *Orchestrator) History(limit int) ([]state.Summary, error) {
	return o.store.History(limit)
}

func (o *Orchestrator) acquire(ctx context.Context) (*lock.Lock, error) {
	start := time.Now()
	lk, err := o.locker.Acquire(ctx)
	waited := time.Since(start)
	o.metrics.RecordLockWait(ctx, waited)
	observability.LogLockWait(o.logger, o.locker.Path(), waited)
	return lk, err
}

func (o *Orchestrator) release(lk *lock.Lock) {
	if err := lk.Release(); err != nil {
		o.logger.Error("release session lock", slog.String("path", o.locker.Path()), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) newExecutor(mode string, force bool, logger *slog.Logger) *executor.Executor {
	opts := []executor.Option{
		executor.WithForce(force),
		executor.WithLogger(logger),
		executor.WithMetrics(o.metrics),
		executor.WithSpans(o.spans),
	}
	if mode == config.ModeFast {
		opts = append(opts, executor.WithBackupPolicy(executor.CriticalOnly))
	}
	return executor.New(o.store, o.mgr, o.installer, o.services, opts...)
}

// export writes the session gauges if a textfile is configured. Export
// failures are logged, never returned.
func (o *Orchestrator) export() {
	if o.textfile == nil {
		return
	}
	sess, err := o.store.Read()
	if err == nil {
		err = o.textfile.Export(snapshot(sess))
	}
	if err != nil {
		o.logger.Warn("metrics textfile export failed",
			slog.String("path", o.textfile.Path()),
			slog.String("error", err.Error()))
	}
}

func snapshot(sess *state.Session) observability.SessionSnapshot {
	snap := observability.SessionSnapshot{
		UpgradeID:  sess.UpgradeID,
		Mode:       sess.Mode,
		Status:     string(sess.Status),
		UpdatedAt:  sess.UpdatedAt,
		Components: make(map[string]observability.ComponentSnapshot, len(sess.Components)),
	}
	for name, cs := range sess.Components {
		snap.Components[name] = observability.ComponentSnapshot{
			Status:            string(cs.Status),
			Attempts:          cs.Attempts,
			RollbackAvailable: cs.RollbackAvailable,
		}
	}
	return snap
}
