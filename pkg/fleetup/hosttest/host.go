// Package hosttest simulates a host for tests: live binaries in a temp
// directory, a service supervisor, an artifact store and a command runner
// that answers version and health probes from the simulated state.
//
// Binaries are text files of the form "<name>, version <v>". An artifact
// can be marked broken, in which case the service runs but never passes
// its health probe while that binary is installed.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
)

const brokenMarker = "\nbroken\n"

// HealthCommand is the probe command configured by ComponentConfig.
const HealthCommand = "/hosttest/health"

// Host is a simulated host.
type Host struct {
	Dir string

	mu       sync.Mutex
	active   map[string]bool
	broken   map[string]bool
	stopErr  map[string]error
	startErr map[string]error
	onStop   func(service string)
	events   []string
	installs []string
}

// New creates a host rooted in a fresh temp directory.
func New(t testing.TB) *Host {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"bin", "artifacts", "etc"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return &Host{
		Dir:      dir,
		active:   map[string]bool{},
		broken:   map[string]bool{},
		stopErr:  map[string]error{},
		startErr: map[string]error{},
	}
}

// BinaryPath returns where the live binary for name lives.
func (h *Host) BinaryPath(name string) string {
	return filepath.Join(h.Dir, "bin", name)
}

// ConfigPath returns the config file path for name.
func (h *Host) ConfigPath(name string) string {
	return filepath.Join(h.Dir, "etc", name+".yml")
}

// Install puts version v of name in place and marks its service active.
func (h *Host) Install(t testing.TB, name, v string) {
	t.Helper()
	if err := os.WriteFile(h.BinaryPath(name), binaryContent(name, v, false), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.ConfigPath(name), []byte("version: "+v+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	h.active[name] = true
	h.mu.Unlock()
}

// ComponentConfig returns a plan entry for name wired to this host.
func (h *Host) ComponentConfig(name string, kind config.Kind, target string) config.ComponentConfig {
	return config.ComponentConfig{
		Name:          name,
		Kind:          kind,
		Binary:        h.BinaryPath(name),
		Service:       name,
		ConfigFiles:   []string{h.ConfigPath(name)},
		TargetVersion: target,
		Health:        config.HealthCheck{Command: []string{HealthCommand, name}},
	}
}

// Break marks the artifact for name at v as broken.
func (h *Host) Break(name, v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broken[name+"@"+v] = true
}

// FailStart makes starting service fail.
func (h *Host) FailStart(service string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startErr[service] = err
}

// FailStop makes stopping service fail.
func (h *Host) FailStop(service string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopErr[service] = err
}

// OnStop registers a hook run after every successful stop.
func (h *Host) OnStop(fn func(service string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStop = fn
}

// SetActive sets a service's state directly.
func (h *Host) SetActive(service string, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[service] = active
}

// Active reports a service's state.
func (h *Host) Active(service string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[service]
}

// Events returns the supervisor calls made so far ("stop x", "start x").
func (h *Host) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// Installs returns the artifacts staged so far ("name@version").
func (h *Host) Installs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.installs...)
}

// InstalledVersion reads the live binary's version, or "" if absent.
func (h *Host) InstalledVersion(name string) string {
	data, err := os.ReadFile(h.BinaryPath(name))
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(data), "\n")
	_, v, _ := strings.Cut(line, ", version ")
	return v
}

// Stop implements component.ServiceController.
func (h *Host) Stop(_ context.Context, service string) error {
	h.mu.Lock()
	h.events = append(h.events, "stop "+service)
	if err := h.stopErr[service]; err != nil {
		h.mu.Unlock()
		return err
	}
	h.active[service] = false
	hook := h.onStop
	h.mu.Unlock()
	if hook != nil {
		hook(service)
	}
	return nil
}

// Start implements component.ServiceController.
func (h *Host) Start(_ context.Context, service string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "start "+service)
	if err := h.startErr[service]; err != nil {
		return err
	}
	h.active[service] = true
	return nil
}

// IsActive implements component.ServiceController.
func (h *Host) IsActive(_ context.Context, service string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[service], nil
}

// InstallBinary implements component.Installer by writing the artifact
// into the host's artifact store.
func (h *Host) InstallBinary(ctx context.Context, name, v string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	h.installs = append(h.installs, name+"@"+v)
	broken := h.broken[name+"@"+v]
	h.mu.Unlock()

	dir := filepath.Join(h.Dir, "artifacts", name, v)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, binaryContent(name, v, broken), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Run implements component.CommandRunner. The health command passes when
// the service is active and its binary is not broken; any other command
// is treated as a version probe of the binary at that path.
func (h *Host) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == HealthCommand {
		if len(args) != 1 {
			return nil, errors.New("usage: health <component>")
		}
		comp := args[0]
		if !h.Active(comp) {
			return nil, fmt.Errorf("%s is not running", comp)
		}
		data, err := os.ReadFile(h.BinaryPath(comp))
		if err != nil {
			return nil, err
		}
		if strings.Contains(string(data), brokenMarker) {
			return nil, fmt.Errorf("%s is crash-looping", comp)
		}
		return []byte("ok"), nil
	}
	return os.ReadFile(name)
}

func binaryContent(name, v string, broken bool) []byte {
	s := fmt.Sprintf("%s, version %s\n", name, v)
	if broken {
		s += brokenMarker
	}
	return []byte(s)
}
