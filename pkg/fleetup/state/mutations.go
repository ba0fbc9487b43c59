package state

import (
	"fmt"
	"time"
)

// Outcome carries what the executor learned about a component when it
// reached a terminal status.
type Outcome struct {
	// Checksum is the hex digest of the binary installed at the end.
	Checksum string

	// BackupPath is the backup directory taken for this attempt, if any.
	BackupPath string

	// RollbackAvailable is true when BackupPath exists and can be restored.
	RollbackAvailable bool
}

// recorded returns the checksum and backup path to persist. Both are kept
// only when a backup was actually taken.
func (o Outcome) recorded() (checksum, backupPath string) {
	if o.BackupPath == "" {
		return "", ""
	}
	return o.Checksum, o.BackupPath
}

// The functions below are the only way a session changes. Each takes the
// current session, never modifies it, and returns the next one. Callers
// validate identifiers first.

func beginUpgrade(cur *Session, id, mode string, planned []string, now time.Time) (*Session, error) {
	if cur != nil && cur.Status == StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrSessionInProgress, cur.UpgradeID)
	}
	next := NewSession()
	next.UpgradeID = id
	next.Status = StatusInProgress
	next.Mode = mode
	next.StartedAt = timePtr(now)
	next.UpdatedAt = now
	for _, name := range planned {
		if _, ok := next.Components[name]; !ok {
			next.Components[name] = &ComponentState{Status: ComponentPending}
		}
	}
	return next, nil
}

func requireActive(cur *Session) error {
	if cur == nil || cur.Status != StatusInProgress {
		return ErrNoActiveSession
	}
	return nil
}

func beginComponent(cur *Session, name, from, to string, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	if c := cur.Component(name); c != nil && c.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, name, c.Status)
	}

	next := cur.Clone()
	attempts := 0
	if c := next.Components[name]; c != nil {
		attempts = c.Attempts
	}
	next.Components[name] = &ComponentState{
		Status:      ComponentInProgress,
		FromVersion: from,
		ToVersion:   to,
		StartedAt:   timePtr(now),
		Attempts:    attempts + 1,
	}
	next.CurrentComponent = strPtr(name)
	return next, nil
}

func markStep(cur *Session, name string, step Step) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	if !step.Valid() {
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, step)
	}
	c := cur.Component(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if c.Status != ComponentInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, name, c.Status)
	}
	next := cur.Clone()
	next.Components[name].Step = step
	return next, nil
}

func setTargetVersion(cur *Session, name, from, to string) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	c := cur.Component(name)
	if c == nil || c.Status != ComponentInProgress {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, name)
	}
	next := cur.Clone()
	next.Components[name].FromVersion = from
	next.Components[name].ToVersion = to
	return next, nil
}

func completeComponent(cur *Session, name string, out Outcome, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	c := cur.Component(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if c.Status != ComponentInProgress {
		return nil, fmt.Errorf("%w: cannot complete %s from %s", ErrInvalidTransition, name, c.Status)
	}

	next := cur.Clone()
	nc := next.Components[name]
	nc.Status = ComponentCompleted
	nc.CompletedAt = timePtr(now)
	nc.Checksum, nc.BackupPath = out.recorded()
	nc.RollbackAvailable = out.RollbackAvailable && out.BackupPath != ""
	nc.Error = nil
	nc.Step = StepVerified
	clearCurrent(next, name)
	return next, nil
}

func failComponent(cur *Session, name, message string, out Outcome, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	if c := cur.Component(name); c != nil && c.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot fail %s from %s", ErrInvalidTransition, name, c.Status)
	}

	next := cur.Clone()
	nc := next.Components[name]
	if nc == nil {
		nc = &ComponentState{}
		next.Components[name] = nc
	}
	nc.Status = ComponentFailed
	nc.CompletedAt = timePtr(now)
	nc.Checksum, nc.BackupPath = out.recorded()
	// A failed component's backup was consumed by the automatic rollback.
	nc.RollbackAvailable = false
	nc.Error = strPtr(message)
	next.Errors = append(next.Errors, ErrorEntry{Timestamp: now, Component: name, Message: message})
	clearCurrent(next, name)
	return next, nil
}

func skipComponent(cur *Session, name, reason string, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	if c := cur.Component(name); c != nil && c.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot skip %s from %s", ErrInvalidTransition, name, c.Status)
	}

	next := cur.Clone()
	nc := next.Components[name]
	if nc == nil {
		nc = &ComponentState{}
		next.Components[name] = nc
	}
	nc.Status = ComponentSkipped
	nc.SkipReason = reason
	nc.CompletedAt = timePtr(now)
	nc.Checksum = ""
	nc.BackupPath = ""
	nc.RollbackAvailable = false
	nc.Error = nil
	clearCurrent(next, name)
	return next, nil
}

func completeUpgrade(cur *Session, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	for name, c := range cur.Components {
		if !c.Status.Terminal() {
			return nil, fmt.Errorf("%w: component %s is still %s", ErrInvalidTransition, name, c.Status)
		}
	}
	next := cur.Clone()
	next.Status = StatusCompleted
	next.CompletedAt = timePtr(now)
	next.CurrentComponent = nil
	return next, nil
}

func failUpgrade(cur *Session, message string, now time.Time) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.Status = StatusFailed
	next.CompletedAt = timePtr(now)
	next.Errors = append(next.Errors, ErrorEntry{Timestamp: now, Message: message})
	return next, nil
}

func addCheckpoint(cur *Session, cp Checkpoint) (*Session, error) {
	if err := requireActive(cur); err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.Checkpoints = append(next.Checkpoints, cp)
	return next, nil
}

func markRolledBack(cur *Session, name string, now time.Time) (*Session, error) {
	c := cur.Component(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if c.Status != ComponentCompleted || !c.RollbackAvailable {
		return nil, fmt.Errorf("%w: %s has no rollback available", ErrInvalidTransition, name)
	}
	next := cur.Clone()
	nc := next.Components[name]
	nc.RollbackAvailable = false
	nc.RolledBackAt = timePtr(now)
	return next, nil
}

func clearCurrent(s *Session, name string) {
	if s.CurrentComponent != nil && *s.CurrentComponent == name {
		s.CurrentComponent = nil
	}
}
