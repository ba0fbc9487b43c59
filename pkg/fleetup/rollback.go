package fleetup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// RollbackResult describes an operator rollback.
type RollbackResult struct {
	UpgradeID string
	Component string
	Backup    string
	Version   string
}

// RollbackLast restores the most recently completed component of the
// current session that still has a rollback available, then records the
// rollback in the session. It returns ErrNothingToRollback if there is
// no such component.
func (o *Orchestrator) RollbackLast(ctx context.Context) (res *RollbackResult, err error) {
	lk, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer o.release(lk)

	sess, err := o.store.Read()
	if err != nil {
		return nil, err
	}
	name, cs := lastRollbackable(sess)
	if cs == nil {
		return nil, ErrNothingToRollback
	}
	c, ok := o.comps.Get(name)
	if !ok {
		return nil, &ComponentError{Component: name, Op: "rollback", Err: fmt.Errorf("component %s", ReasonRemoved)}
	}

	b, err := o.findBackup(name, cs.BackupPath)
	if err != nil {
		return nil, &ComponentError{Component: name, Op: "rollback", Err: err}
	}

	logger := o.logger.With(slog.String("upgrade_id", sess.UpgradeID), slog.String("component", name))
	ctx, span := o.spans.StartComponentSpan(ctx, name)
	defer func() { o.spans.EndSpanWithError(span, err) }()

	rbErr := o.mgr.RestoreBackup(ctx, c, b)
	o.metrics.RecordRollback(ctx, name, rbErr)
	observability.LogRollback(logger, name, b.Dir, rbErr)
	if rbErr != nil {
		o.export()
		return nil, &ComponentError{Component: name, Op: "rollback", Err: rbErr}
	}
	if err := o.store.MarkRolledBack(name); err != nil {
		return nil, err
	}
	o.export()
	return &RollbackResult{UpgradeID: sess.UpgradeID, Component: name, Backup: b.Dir, Version: b.Version}, nil
}

// lastRollbackable returns the completed component with a rollback
// available that finished last. Ties go to the lexically greater name so
// the choice is stable.
func lastRollbackable(sess *state.Session) (string, *state.ComponentState) {
	var (
		bestName string
		best     *state.ComponentState
	)
	for name, cs := range sess.Components {
		if cs.Status != state.ComponentCompleted || !cs.RollbackAvailable || cs.CompletedAt == nil {
			continue
		}
		if best == nil || cs.CompletedAt.After(*best.CompletedAt) ||
			(cs.CompletedAt.Equal(*best.CompletedAt) && name > bestName) {
			bestName, best = name, cs
		}
	}
	return bestName, best
}

func (o *Orchestrator) findBackup(name, dir string) (manager.Backup, error) {
	backups, err := o.mgr.ListBackups(name)
	if err != nil {
		return manager.Backup{}, err
	}
	for _, b := range backups {
		if b.Dir == dir {
			return b, nil
		}
	}
	return manager.Backup{}, fmt.Errorf("%w: %s", manager.ErrNoBackup, dir)
}
