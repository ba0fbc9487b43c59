// Package state persists the upgrade session: a single JSON document that
// records what the orchestrator has done, component by component.
//
// Every change goes through a pure transformation from the current
// session to the next one; the Store serializes these with an in-process
// mutex plus an OS file lock and writes the result atomically. Untrusted
// identifiers are validated before a transformation is even attempted, so
// a rejected call leaves the file untouched.
package state

import (
	"errors"
	"time"
)

// SchemaVersion is the current session document version.
// Increment when making breaking changes to the document layout.
const SchemaVersion = 1

// Status is the lifecycle status of a session.
type Status string

// Session statuses.
const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ComponentStatus is the lifecycle status of one component.
type ComponentStatus string

// Component statuses. Completed, failed and skipped are terminal.
const (
	ComponentPending    ComponentStatus = "pending"
	ComponentInProgress ComponentStatus = "in_progress"
	ComponentCompleted  ComponentStatus = "completed"
	ComponentFailed     ComponentStatus = "failed"
	ComponentSkipped    ComponentStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed.
func (s ComponentStatus) Terminal() bool {
	switch s {
	case ComponentCompleted, ComponentFailed, ComponentSkipped:
		return true
	default:
		return false
	}
}

// Step is the last completed step of an in-progress component.
type Step string

// Steps, in execution order.
const (
	StepNone     Step = ""
	StepGated    Step = "gated"
	StepBackedUp Step = "backed_up"
	StepStopped  Step = "stopped"
	StepSwapped  Step = "swapped"
	StepStarted  Step = "started"
	StepVerified Step = "verified"
)

var stepOrder = map[Step]int{
	StepNone:     0,
	StepGated:    1,
	StepBackedUp: 2,
	StepStopped:  3,
	StepSwapped:  4,
	StepStarted:  5,
	StepVerified: 6,
}

// Reached reports whether s is at or after other.
func (s Step) Reached(other Step) bool {
	return stepOrder[s] >= stepOrder[other]
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// Session is the persisted upgrade session.
type Session struct {
	SchemaVersion    int                        `json:"schema_version"`
	UpgradeID        string                     `json:"upgrade_id,omitempty"`
	Status           Status                     `json:"status"`
	Mode             string                     `json:"mode,omitempty"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt        time.Time                  `json:"updated_at"`
	CurrentComponent *string                    `json:"current_component"`
	Components       map[string]*ComponentState `json:"components"`
	Checkpoints      []Checkpoint               `json:"checkpoints"`
	Errors           []ErrorEntry               `json:"errors"`
}

// ComponentState is the per-component upgrade record.
type ComponentState struct {
	Status            ComponentStatus `json:"status"`
	FromVersion       string          `json:"from_version,omitempty"`
	ToVersion         string          `json:"to_version,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Attempts          int             `json:"attempts"`
	Checksum          string          `json:"checksum,omitempty"`
	BackupPath        string          `json:"backup_path,omitempty"`
	RollbackAvailable bool            `json:"rollback_available"`
	Error             *string         `json:"error"`
	Step              Step            `json:"step,omitempty"`
	SkipReason        string          `json:"skip_reason,omitempty"`
	RolledBackAt      *time.Time      `json:"rolled_back_at,omitempty"`
}

// Checkpoint references a verbatim session snapshot on disk.
type Checkpoint struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	File        string    `json:"file"`
}

// ErrorEntry is one session-level error record.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// BackupRef describes a backup taken for a component.
type BackupRef struct {
	Path     string
	Checksum string
}

// Sentinel errors for state transitions.
var (
	// ErrSessionInProgress indicates begin_upgrade was called while a
	// session is still in progress. Use resume instead.
	ErrSessionInProgress = errors.New("an upgrade session is already in progress")

	// ErrNoActiveSession indicates a mutation that needs an in-progress
	// session was called without one.
	ErrNoActiveSession = errors.New("no upgrade session in progress")

	// ErrUnknownComponent indicates a component has no record in the session.
	ErrUnknownComponent = errors.New("component not in session")

	// ErrInvalidTransition indicates a component status change that the
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid component transition")
)

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{
		SchemaVersion: SchemaVersion,
		Status:        StatusIdle,
		Components:    map[string]*ComponentState{},
		Checkpoints:   []Checkpoint{},
		Errors:        []ErrorEntry{},
	}
}

// Component returns the named component record, or nil.
func (s *Session) Component(name string) *ComponentState {
	if s == nil || s.Components == nil {
		return nil
	}
	return s.Components[name]
}

// Terminal reports whether every component has reached a terminal status.
func (s *Session) Terminal() bool {
	for _, c := range s.Components {
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts tallies component statuses.
func (s *Session) Counts() map[ComponentStatus]int {
	counts := make(map[ComponentStatus]int, 5)
	for _, c := range s.Components {
		counts[c.Status]++
	}
	return counts
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	if s.CurrentComponent != nil {
		name := *s.CurrentComponent
		out.CurrentComponent = &name
	}
	out.Components = make(map[string]*ComponentState, len(s.Components))
	for name, c := range s.Components {
		out.Components[name] = c.Clone()
	}
	out.Checkpoints = append([]Checkpoint{}, s.Checkpoints...)
	out.Errors = append([]ErrorEntry{}, s.Errors...)
	return &out
}

// Clone returns a deep copy.
func (c *ComponentState) Clone() *ComponentState {
	if c == nil {
		return nil
	}
	out := *c
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.RolledBackAt = cloneTime(c.RolledBackAt)
	if c.Error != nil {
		msg := *c.Error
		out.Error = &msg
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	return &s
}
