package fleetup

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/executor"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

// Action is what a run would do with a component.
type Action string

// Planned actions.
const (
	ActionUpgrade Action = "upgrade"
	ActionSkip    Action = "skip"
	ActionError   Action = "error"
)

// ComponentPlan is the decision for one component.
type ComponentPlan struct {
	Name      string      `json:"name"`
	Kind      config.Kind `json:"kind"`
	Installed string      `json:"installed,omitempty"`
	Target    string      `json:"target"`
	Hops      []string    `json:"hops,omitempty"`
	Action    Action      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	Backup    bool        `json:"backup"`
	Error     string      `json:"error,omitempty"`
}

// PhasePlan is the decisions for one phase.
type PhasePlan struct {
	Name        string          `json:"name"`
	Risk        config.Risk     `json:"risk"`
	Concurrency int             `json:"concurrency"`
	Components  []ComponentPlan `json:"components"`
}

// Report is a dry run: what a run would do, computed without touching
// the session, the backup tree or any service.
type Report struct {
	Mode   string      `json:"mode"`
	Force  bool        `json:"force"`
	Phases []PhasePlan `json:"phases"`
}

// Counts returns how many components would be upgraded, skipped, or
// could not be evaluated.
func (r *Report) Counts() (upgrade, skip, failed int) {
	for _, ph := range r.Phases {
		for _, c := range ph.Components {
			switch c.Action {
			case ActionUpgrade:
				upgrade++
			case ActionSkip:
				skip++
			case ActionError:
				failed++
			}
		}
	}
	return upgrade, skip, failed
}

// DryRun reports what Run(phase, mode, force) would do. It probes
// installed versions but takes no lock and writes nothing.
func (o *Orchestrator) DryRun(ctx context.Context, phase, mode string, force bool) (*Report, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	phases, err := o.selectPhases(phase)
	if err != nil {
		return nil, err
	}
	// The report describes the mode being previewed; "dry-run" itself
	// previews standard.
	effective := mode
	if mode == config.ModeDryRun {
		effective = config.ModeStandard
	}

	report := &Report{Mode: effective, Force: force}
	for _, ph := range phases {
		pp := PhasePlan{Name: ph.Name, Risk: ph.Risk, Concurrency: ph.Concurrency}
		for _, name := range ph.Components {
			c, ok := o.comps.Get(name)
			if !ok {
				return nil, fmt.Errorf("phase %s references undeclared component %q", ph.Name, name)
			}
			cp, err := o.planComponent(ctx, c, effective, force)
			if err != nil {
				return nil, err
			}
			pp.Components = append(pp.Components, cp)
		}
		report.Phases = append(report.Phases, pp)
	}
	return report, nil
}

// planComponent decides what to do with c. Only cancellation is
// returned as an error; any other problem becomes an ActionError entry.
func (o *Orchestrator) planComponent(ctx context.Context, c component.Component, mode string, force bool) (ComponentPlan, error) {
	cp := ComponentPlan{
		Name:   c.Name(),
		Kind:   c.Kind(),
		Target: c.Target().String(),
		Backup: mode != config.ModeFast || executor.CriticalOnly(c),
	}

	current, err := o.mgr.DetectInstalledVersion(ctx, c)
	switch {
	case errors.Is(err, uperrors.ErrNotInstalled):
		cp.Action = ActionSkip
		cp.Reason = executor.ReasonNotInstalled
		return cp, nil
	case err != nil:
		if ctx.Err() != nil {
			return cp, ctx.Err()
		}
		cp.Action = ActionError
		cp.Error = err.Error()
		return cp, nil
	}
	cp.Installed = current.String()

	if !o.mgr.NeedsUpgrade(current, c.Target(), force) {
		cp.Action = ActionSkip
		cp.Reason = executor.ReasonAtTarget
		return cp, nil
	}
	cp.Action = ActionUpgrade
	for _, h := range executor.Hops(current, c) {
		cp.Hops = append(cp.Hops, h.String())
	}
	return cp, nil
}

func checkMode(mode string) error {
	for _, m := range config.Modes {
		if mode == m {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidMode,
		&uperrors.ValidationError{Field: "mode", Value: mode, Rule: "must be one of safe, standard, fast, dry-run"})
}

// selectPhases resolves "" or "all" to every phase, or a single phase by
// name.
func (o *Orchestrator) selectPhases(phase string) ([]config.PhaseConfig, error) {
	if phase == "" || phase == "all" {
		return o.plan.Phases, nil
	}
	if err := ident.Validate("phase", phase); err != nil {
		return nil, err
	}
	ph, ok := o.plan.Phase(phase)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	return []config.PhaseConfig{ph}, nil
}
