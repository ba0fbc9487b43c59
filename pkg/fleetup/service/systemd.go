// Package service drives systemd units over D-Bus.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

// Conn is the subset of a systemd D-Bus connection the controller uses.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	Close()
}

// Dialer opens a connection to systemd.
type Dialer func(ctx context.Context) (Conn, error)

// SystemBus dials the system instance of systemd.
func SystemBus(ctx context.Context) (Conn, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Systemd implements component.ServiceController against systemd. A
// connection is opened per call so a restarted systemd never leaves the
// controller holding a dead bus.
type Systemd struct {
	dial      Dialer
	dialRetry uperrors.Policy
	logger    *slog.Logger
}

// DefaultDialRetry covers systemd re-executing itself mid-upgrade.
var DefaultDialRetry = uperrors.Policy{Attempts: 3, Initial: 200 * time.Millisecond, Max: time.Second}

// Option configures a Systemd controller.
type Option func(*Systemd)

// WithDialer replaces the system bus dialer.
func WithDialer(d Dialer) Option {
	return func(s *Systemd) { s.dial = d }
}

// WithDialRetry sets how often a failed bus dial is retried.
func WithDialRetry(p uperrors.Policy) Option {
	return func(s *Systemd) { s.dialRetry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Systemd) { s.logger = l }
}

// NewSystemd returns a controller that talks to the system bus.
func NewSystemd(opts ...Option) *Systemd {
	s := &Systemd{dial: SystemBus, dialRetry: DefaultDialRetry, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UnitName maps a service name to its unit, appending ".service" when the
// name carries no unit suffix. The base name must be a safe identifier.
func UnitName(service string) (string, error) {
	base := strings.TrimSuffix(service, ".service")
	if err := ident.Validate("service", base); err != nil {
		return "", err
	}
	return base + ".service", nil
}

// IsActive reports whether the unit is loaded and active.
func (s *Systemd) IsActive(ctx context.Context, service string) (bool, error) {
	unit, err := UnitName(service)
	if err != nil {
		return false, err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	return s.active(ctx, conn, unit)
}

func (s *Systemd) connect(ctx context.Context) (Conn, error) {
	p := s.dialRetry
	p.Retryable = func(error) bool { return true }
	p.Notify = func(err error, wait time.Duration) {
		s.logger.Debug("systemd bus unavailable, retrying",
			slog.String("error", err.Error()), slog.Duration("wait", wait))
	}
	var conn Conn
	_, err := uperrors.Retry(ctx, p, func(ctx context.Context) error {
		c, err := s.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

func (s *Systemd) active(ctx context.Context, conn Conn, unit string) (bool, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, fmt.Errorf("query %s: %w", unit, err)
	}
	for _, u := range units {
		if u.Name == unit {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Start starts the unit and waits for the job to finish. Starting an
// active unit is a no-op.
func (s *Systemd) Start(ctx context.Context, service string) error {
	return s.job(ctx, service, "start", true)
}

// Stop stops the unit and waits for the job to finish. Stopping an
// inactive unit is a no-op.
func (s *Systemd) Stop(ctx context.Context, service string) error {
	return s.job(ctx, service, "stop", false)
}

func (s *Systemd) job(ctx context.Context, service, op string, wantActive bool) error {
	unit, err := UnitName(service)
	if err != nil {
		return err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	active, err := s.active(ctx, conn, unit)
	if err != nil {
		return err
	}
	if active == wantActive {
		s.logger.Debug("unit already in requested state", slog.String("unit", unit), slog.String("op", op))
		return nil
	}

	ch := make(chan string, 1)
	submit := conn.StopUnitContext
	if wantActive {
		submit = conn.StartUnitContext
	}
	if _, err := submit(ctx, unit, "fail", ch); err != nil {
		return fmt.Errorf("%s %s: %w", op, unit, err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			s.logger.Error("systemd job did not complete",
				slog.String("unit", unit), slog.String("op", op), slog.String("result", result))
			return fmt.Errorf("%s %s: job result %q", op, unit, result)
		}
	case <-ctx.Done():
		return fmt.Errorf("%s %s: waiting for job: %w", op, unit, ctx.Err())
	}
	s.logger.Debug("systemd job done", slog.String("unit", unit), slog.String("op", op))
	return nil
}
