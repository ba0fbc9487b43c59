// Package component models the services fleetup upgrades.
//
// Each component has a kind from a closed set (exporter, database,
// log-shipper). The kind decides how the installed version is read from
// the binary's output, which health probe applies when the plan does not
// declare one, and whether intermediate-version hops are allowed.
// Everything that touches the host (installing artifacts, controlling
// services, running commands) goes through the collaborator interfaces
// declared here.
package component

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// Kind aliases the plan's kind type so callers need only this package.
type Kind = config.Kind

// Kinds.
const (
	KindExporter   = config.KindExporter
	KindDatabase   = config.KindDatabase
	KindLogShipper = config.KindLogShipper
)

// Installer stages artifacts on the host.
type Installer interface {
	// InstallBinary makes the artifact for component at version available
	// locally and returns its path. It never touches the live binary.
	InstallBinary(ctx context.Context, component, version string) (string, error)
}

// ServiceController drives the process supervisor.
type ServiceController interface {
	Stop(ctx context.Context, service string) error
	Start(ctx context.Context, service string) error
	IsActive(ctx context.Context, service string) (bool, error)
}

// DefaultStopGrace matches systemd's default TimeoutStopSec.
const DefaultStopGrace = 90 * time.Second

// StopGrace is how long a stop of c may take, from its "stop_grace"
// option.
func StopGrace(c Component) time.Duration {
	return c.Config().Opts().Duration("stop_grace", DefaultStopGrace)
}

// StopService stops c's service, giving up after StopGrace.
func StopService(ctx context.Context, services ServiceController, c Component) error {
	ctx, cancel := context.WithTimeout(ctx, StopGrace(c))
	defer cancel()
	return services.Stop(ctx, c.Service())
}

// CommandRunner runs an external program and returns its combined output.
// Implementations must honor ctx cancellation.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Component is one managed service.
type Component interface {
	Name() string
	Kind() Kind
	Config() config.ComponentConfig

	// Service is the supervisor's unit name.
	Service() string

	// Binary is the absolute path of the live binary.
	Binary() string

	// Target is the version the plan wants installed.
	Target() version.Version

	// Hops are the intermediate versions to pass through, ascending.
	Hops() []version.Version

	// VersionArgs are the arguments that make the binary print its version.
	VersionArgs() []string

	// ParseVersion extracts the installed version from VersionArgs output.
	ParseVersion(output []byte) (version.Version, error)

	// Install stages the artifact for v and returns its path.
	Install(ctx context.Context, inst Installer, v version.Version) (string, error)

	// HealthCheck returns the probe that decides whether the running
	// service is healthy. timeout bounds a single probe.
	HealthCheck(runner CommandRunner, timeout time.Duration) healthcheck.Check
}

// base holds what every kind shares.
type base struct {
	cfg    config.ComponentConfig
	target version.Version
	hops   []version.Version
}

func newBase(cfg config.ComponentConfig) (base, error) {
	target, err := version.Parse(cfg.TargetVersion)
	if err != nil {
		return base{}, fmt.Errorf("component %s: %w", cfg.Name, err)
	}
	hops := make([]version.Version, 0, len(cfg.IntermediateVersions))
	for _, h := range cfg.IntermediateVersions {
		v, err := version.Parse(h)
		if err != nil {
			return base{}, fmt.Errorf("component %s: %w", cfg.Name, err)
		}
		hops = append(hops, v)
	}
	return base{cfg: cfg, target: target, hops: hops}, nil
}

func (b base) Name() string                   { return b.cfg.Name }
func (b base) Kind() Kind                     { return b.cfg.Kind }
func (b base) Config() config.ComponentConfig { return b.cfg }
func (b base) Service() string                { return b.cfg.ServiceName() }
func (b base) Binary() string                 { return b.cfg.Binary }
func (b base) Target() version.Version        { return b.target }
func (b base) Hops() []version.Version        { return b.hops }

func (b base) versionArgs(def ...string) []string {
	if len(b.cfg.VersionArgs) > 0 {
		return b.cfg.VersionArgs
	}
	return def
}

func (b base) ParseVersion(output []byte) (version.Version, error) {
	v, err := version.Extract(string(output))
	if err != nil {
		return version.Version{}, fmt.Errorf("component %s: %w", b.cfg.Name, err)
	}
	return v, nil
}

func (b base) Install(ctx context.Context, inst Installer, v version.Version) (string, error) {
	return inst.InstallBinary(ctx, b.cfg.Name, v.String())
}

// declaredCheck builds the probe from the plan's health block, or returns
// nil if none was declared.
func (b base) declaredCheck(runner CommandRunner, timeout time.Duration) healthcheck.Check {
	h := b.cfg.Health
	switch {
	case h.URL != "":
		return healthcheck.HTTPGetCheck(h.URL, timeout)
	case h.TCP != "":
		return healthcheck.TCPDialCheck(h.TCP, timeout)
	case len(h.Command) > 0:
		return CommandCheck(runner, timeout, h.Command[0], h.Command[1:]...)
	}
	return nil
}

// CommandCheck is a probe that succeeds when the command exits zero
// within timeout.
func CommandCheck(runner CommandRunner, timeout time.Duration, name string, args ...string) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := runner.Run(ctx, name, args...); err != nil {
			return fmt.Errorf("health command %s: %w", name, err)
		}
		return nil
	}
}
