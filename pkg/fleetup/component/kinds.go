package component

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
)

// Exporter is a metrics exporter: a single stateless binary serving
// /metrics. It is probed on its listen address.
type Exporter struct {
	base
}

// NewExporter builds an exporter component.
func NewExporter(cfg config.ComponentConfig) (Component, error) {
	b, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Exporter{base: b}, nil
}

// VersionArgs implements Component.
func (e *Exporter) VersionArgs() []string { return e.versionArgs("--version") }

// HealthCheck implements Component.
func (e *Exporter) HealthCheck(runner CommandRunner, timeout time.Duration) healthcheck.Check {
	if c := e.declaredCheck(runner, timeout); c != nil {
		return c
	}
	listen := e.cfg.Opts().String("listen_address", "127.0.0.1:9100")
	return healthcheck.HTTPGetCheck("http://"+listen+"/metrics", timeout)
}

// Database is the time-series database. It is the only kind that may
// declare intermediate versions, since its on-disk format can require
// stepping through releases.
type Database struct {
	base
}

// NewDatabase builds a database component.
func NewDatabase(cfg config.ComponentConfig) (Component, error) {
	b, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	for _, h := range b.hops {
		if !h.Less(b.target) {
			return nil, fmt.Errorf("component %s: intermediate version %s is not below target %s", cfg.Name, h, b.target)
		}
	}
	return &Database{base: b}, nil
}

// VersionArgs implements Component.
func (d *Database) VersionArgs() []string { return d.versionArgs("--version") }

// HealthCheck implements Component. The default probe is the readiness
// endpoint, which only answers once the TSDB has replayed its WAL.
func (d *Database) HealthCheck(runner CommandRunner, timeout time.Duration) healthcheck.Check {
	if c := d.declaredCheck(runner, timeout); c != nil {
		return c
	}
	listen := d.cfg.Opts().String("listen_address", "127.0.0.1:9090")
	path := d.cfg.Opts().String("ready_path", "/-/ready")
	return healthcheck.HTTPGetCheck("http://"+listen+path, timeout)
}

// LogShipper is one half of the log-shipping pair (agent or aggregator).
type LogShipper struct {
	base
}

// NewLogShipper builds a log-shipper component.
func NewLogShipper(cfg config.ComponentConfig) (Component, error) {
	b, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	if len(b.hops) > 0 {
		return nil, fmt.Errorf("component %s: log shippers do not support intermediate versions", cfg.Name)
	}
	return &LogShipper{base: b}, nil
}

// VersionArgs implements Component. Go flag-style binaries take a single dash.
func (l *LogShipper) VersionArgs() []string { return l.versionArgs("-version") }

// HealthCheck implements Component. Without a declared probe the shipper
// must at least accept connections on its HTTP port.
func (l *LogShipper) HealthCheck(runner CommandRunner, timeout time.Duration) healthcheck.Check {
	if c := l.declaredCheck(runner, timeout); c != nil {
		return c
	}
	listen := l.cfg.Opts().String("listen_address", "127.0.0.1:9080")
	return healthcheck.Timeout(healthcheck.TCPDialCheck(listen, timeout), timeout)
}
