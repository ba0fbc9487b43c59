package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// Validate checks the plan before anything trusts it. All problems are
// reported together.
func (p *Plan) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkAbsPath("state_dir", p.StateDir))
	add(checkAbsPath("backup_root", p.BackupRoot))
	add(checkAbsPath("artifact_dir", p.ArtifactDir))
	if p.MetricsTextfile != "" {
		add(checkAbsPath("metrics_textfile", p.MetricsTextfile))
	}
	if p.HistoryIndex != "" {
		add(checkAbsPath("history_index", p.HistoryIndex))
	}
	if p.ExpectedOwnerUID < 0 {
		add(invalid("expected_owner_uid", fmt.Sprint(p.ExpectedOwnerUID), "must be >= 0"))
	}
	if p.Health.MaxRetries < 0 {
		add(invalid("health.max_retries", fmt.Sprint(p.Health.MaxRetries), "must be >= 0"))
	}
	for mode := range p.Pause {
		if !slices.Contains(Modes, mode) {
			add(invalid("pause", mode, "unknown mode"))
		}
	}

	components := make(map[string]ComponentConfig, len(p.Components))
	for _, c := range p.Components {
		if _, dup := components[c.Name]; dup {
			add(invalid("component", c.Name, "declared more than once"))
			continue
		}
		components[c.Name] = c
		add(c.validate())
	}

	if len(p.Phases) == 0 {
		add(invalid("phases", "", "at least one phase is required"))
	}
	placed := make(map[string]string, len(p.Components))
	phaseNames := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if err := ident.Validate("phase", ph.Name); err != nil {
			add(err)
			continue
		}
		if len(ph.Name) > MaxPhaseNameLen {
			add(invalid("phase", ph.Name, fmt.Sprintf("must be at most %d characters", MaxPhaseNameLen)))
			continue
		}
		if phaseNames[ph.Name] {
			add(invalid("phase", ph.Name, "declared more than once"))
		}
		phaseNames[ph.Name] = true

		switch ph.Risk {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			add(invalid("phase."+ph.Name+".risk", string(ph.Risk), "must be low, medium or high"))
		}
		if ph.Concurrency < 1 {
			add(invalid("phase."+ph.Name+".concurrency", fmt.Sprint(ph.Concurrency), "must be >= 1"))
		}

		for _, name := range ph.Components {
			c, ok := components[name]
			if !ok {
				add(invalid("phase."+ph.Name, name, "unknown component"))
				continue
			}
			if prev, dup := placed[name]; dup {
				add(invalid("phase."+ph.Name, name, "already placed in phase "+prev))
				continue
			}
			placed[name] = ph.Name
			if len(c.IntermediateVersions) > 0 && ph.Concurrency > 1 {
				add(invalid("phase."+ph.Name, name, "components with intermediate versions need concurrency 1"))
			}
		}
	}
	for _, c := range p.Components {
		if _, ok := placed[c.Name]; !ok && ident.Valid(c.Name) {
			add(invalid("component", c.Name, "not placed in any phase"))
		}
	}

	return errors.Join(errs...)
}

func (c ComponentConfig) validate() error {
	if err := ident.Validate("component", c.Name); err != nil {
		return err
	}
	field := func(f string) string { return "component." + c.Name + "." + f }

	var errs []error
	if !slices.Contains(Kinds, c.Kind) {
		errs = append(errs, invalid(field("kind"), string(c.Kind), "must be exporter, database or log-shipper"))
	}
	if err := checkAbsPath(field("binary"), c.Binary); err != nil {
		errs = append(errs, err)
	}
	if c.Service != "" {
		if err := ident.Validate(field("service"), strings.TrimSuffix(c.Service, ".service")); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range c.ConfigFiles {
		if err := checkAbsPath(field("config_files"), f); err != nil {
			errs = append(errs, err)
		}
	}

	target, err := version.Parse(c.TargetVersion)
	if err != nil {
		errs = append(errs, invalid(field("target_version"), c.TargetVersion, "not a version"))
	}
	if len(c.IntermediateVersions) > 0 {
		if c.Kind != KindDatabase {
			errs = append(errs, invalid(field("intermediate_versions"), strings.Join(c.IntermediateVersions, ","), "only database components upgrade through intermediate versions"))
		}
		prev := version.Version{}
		for _, hop := range c.IntermediateVersions {
			v, err := version.Parse(hop)
			if err != nil {
				errs = append(errs, invalid(field("intermediate_versions"), hop, "not a version"))
				continue
			}
			if !prev.IsZero() && !prev.Less(v) {
				errs = append(errs, invalid(field("intermediate_versions"), hop, "must be strictly ascending"))
			}
			if !target.IsZero() && !v.Less(target) {
				errs = append(errs, invalid(field("intermediate_versions"), hop, "must be below target_version"))
			}
			prev = v
		}
	}

	set := 0
	if c.Health.URL != "" {
		set++
		if u, err := url.Parse(c.Health.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, invalid(field("health.url"), c.Health.URL, "must be an http(s) URL"))
		}
	}
	if c.Health.TCP != "" {
		set++
		if _, _, err := net.SplitHostPort(c.Health.TCP); err != nil {
			errs = append(errs, invalid(field("health.tcp"), c.Health.TCP, "must be host:port"))
		}
	}
	if len(c.Health.Command) > 0 {
		set++
		if err := checkAbsPath(field("health.command"), c.Health.Command[0]); err != nil {
			errs = append(errs, err)
		}
	}
	if set > 1 {
		errs = append(errs, invalid(field("health"), "", "set at most one of url, tcp, command"))
	}

	return errors.Join(errs...)
}

func checkAbsPath(field, path string) error {
	switch {
	case path == "":
		return invalid(field, path, "must not be empty")
	case !filepath.IsAbs(path):
		return invalid(field, path, "must be an absolute path")
	case slices.Contains(strings.Split(path, "/"), ".."):
		return invalid(field, path, "must not contain ..")
	}
	return nil
}

func invalid(field, value, rule string) error {
	return &uperrors.ValidationError{Field: field, Value: value, Rule: rule}
}
