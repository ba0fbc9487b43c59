package manager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// fakeRunner answers version probes from binaries' contents and health
// commands from healthy.
type fakeRunner struct {
	mu      sync.Mutex
	healthy bool
	delay   time.Duration
	calls   []string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	healthy := r.healthy
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if name == "healthcheck" {
		if !healthy {
			return nil, errors.New("unhealthy")
		}
		return []byte("ok"), nil
	}
	return os.ReadFile(name)
}

func (r *fakeRunner) setHealthy(v bool) {
	r.mu.Lock()
	r.healthy = v
	r.mu.Unlock()
}

type fakeServices struct {
	mu       sync.Mutex
	active   bool
	stopErr  error
	startErr error
	events   []string
}

func (s *fakeServices) Stop(_ context.Context, svc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "stop "+svc)
	if s.stopErr != nil {
		return s.stopErr
	}
	s.active = false
	return nil
}

func (s *fakeServices) Start(_ context.Context, svc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "start "+svc)
	if s.startErr != nil {
		return s.startErr
	}
	s.active = true
	return nil
}

func (s *fakeServices) IsActive(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

type fixture struct {
	dir      string
	binary   string
	conf     string
	runner   *fakeRunner
	services *fakeServices
	mgr      *manager.Manager
	comp     component.Component
}

func newFixture(t *testing.T, installed string) *fixture {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.Mkdir(binDir, 0o755))

	f := &fixture{
		dir:      dir,
		binary:   filepath.Join(binDir, "node_exporter"),
		conf:     filepath.Join(dir, "node_exporter.yml"),
		runner:   &fakeRunner{healthy: true},
		services: &fakeServices{active: true},
	}
	if installed != "" {
		require.NoError(t, os.WriteFile(f.binary, []byte("node_exporter, version "+installed), 0o755))
	}
	require.NoError(t, os.WriteFile(f.conf, []byte("listen: :9100\n"), 0o644))

	f.mgr = manager.New(filepath.Join(dir, "backups"),
		manager.WithExpectedOwner(os.Getuid()),
		manager.WithRunner(f.runner),
		manager.WithServices(f.services),
		manager.WithHealthPolicy(manager.HealthPolicy{
			Timeout:         2 * time.Second,
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}),
	)

	c, err := component.NewRegistry().Build(config.ComponentConfig{
		Name:          "node_exporter",
		Kind:          config.KindExporter,
		Binary:        f.binary,
		ConfigFiles:   []string{f.conf},
		TargetVersion: "1.7.0",
		Health:        config.HealthCheck{Command: []string{"healthcheck"}},
	})
	require.NoError(t, err)
	f.comp = c
	return f
}

func TestNeedsUpgrade(t *testing.T) {
	m := manager.New(t.TempDir())
	tests := []struct {
		current, target string
		force           bool
		want            bool
	}{
		{"1.6.0", "1.7.0", false, true},
		{"1.7.0", "1.7.0", false, false},
		{"1.8.0", "1.7.0", false, false},
		{"1.7.0", "1.7.0", true, true},
		{"1.7.0-rc.1", "1.7.0", false, false},
		{"1.7.0", "1.7.0-rc.1", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.target, func(t *testing.T) {
			got := m.NeedsUpgrade(version.MustParse(tt.current), version.MustParse(tt.target), tt.force)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, version.Less, m.CompareVersions(version.MustParse("1.0.0"), version.MustParse("1.0.1")))
}

func TestDetectInstalledVersion(t *testing.T) {
	f := newFixture(t, "1.6.1")
	v, err := f.mgr.DetectInstalledVersion(context.Background(), f.comp)
	require.NoError(t, err)
	assert.Equal(t, "1.6.1", v.String())
}

func TestDetectInstalledVersion_NotInstalled(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.mgr.DetectInstalledVersion(context.Background(), f.comp)
	assert.ErrorIs(t, err, uperrors.ErrNotInstalled)
}

func TestDetectInstalledVersion_Garbage(t *testing.T) {
	f := newFixture(t, "1.6.1")
	require.NoError(t, os.WriteFile(f.binary, []byte("no version here"), 0o755))

	_, err := f.mgr.DetectInstalledVersion(context.Background(), f.comp)
	var verr *uperrors.InvalidVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "node_exporter", verr.Component)
}

func TestDetectInstalledVersion_Timeout(t *testing.T) {
	f := newFixture(t, "1.6.1")
	f.runner.delay = time.Second
	m := manager.New(filepath.Join(f.dir, "backups"),
		manager.WithExpectedOwner(os.Getuid()),
		manager.WithRunner(f.runner),
		manager.WithVersionTimeout(20*time.Millisecond),
	)

	start := time.Now()
	_, err := m.DetectInstalledVersion(context.Background(), f.comp)
	var terr *uperrors.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCheckBinary(t *testing.T) {
	f := newFixture(t, "1.6.1")
	require.NoError(t, f.mgr.CheckBinary(f.binary))

	var serr *uperrors.SecurityError
	assert.ErrorAs(t, f.mgr.CheckBinary("relative/bin"), &serr)
	assert.ErrorAs(t, f.mgr.CheckBinary(f.dir+"/bin/../bin/node_exporter"), &serr)
	assert.ErrorAs(t, f.mgr.CheckBinary(filepath.Join(f.dir, "bin")), &serr)

	t.Run("world writable", func(t *testing.T) {
		require.NoError(t, os.Chmod(f.binary, 0o757))
		t.Cleanup(func() { os.Chmod(f.binary, 0o755) })
		var serr *uperrors.SecurityError
		assert.ErrorAs(t, f.mgr.CheckBinary(f.binary), &serr)
	})

	t.Run("world writable parent", func(t *testing.T) {
		require.NoError(t, os.Chmod(filepath.Join(f.dir, "bin"), 0o777))
		t.Cleanup(func() { os.Chmod(filepath.Join(f.dir, "bin"), 0o755) })
		var serr *uperrors.SecurityError
		assert.ErrorAs(t, f.mgr.CheckBinary(f.binary), &serr)
	})

	t.Run("wrong owner", func(t *testing.T) {
		m := manager.New(t.TempDir(), manager.WithExpectedOwner(os.Getuid()+1))
		var serr *uperrors.SecurityError
		assert.ErrorAs(t, m.CheckBinary(f.binary), &serr)
	})
}

func TestBackupComponent(t *testing.T) {
	f := newFixture(t, "1.6.1")
	b, err := f.mgr.BackupComponent(f.comp, "1.6.1")
	require.NoError(t, err)

	require.Len(t, b.Files, 2)
	want, err := manager.Checksum(f.binary)
	require.NoError(t, err)
	assert.Equal(t, want, b.Checksum())
	assert.FileExists(t, filepath.Join(b.Dir, "manifest.json"))
	require.NoError(t, b.Verify())

	latest, err := f.mgr.LatestBackup("node_exporter")
	require.NoError(t, err)
	assert.Equal(t, b.Dir, latest.Dir)
	assert.Equal(t, "1.6.1", latest.Version)

	info, err := os.Stat(b.Dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestLatestBackup_IgnoresIncomplete(t *testing.T) {
	f := newFixture(t, "1.6.1")
	b, err := f.mgr.BackupComponent(f.comp, "1.6.1")
	require.NoError(t, err)

	// A later directory with no manifest is a crashed backup.
	partial := filepath.Join(f.dir, "backups", "node_exporter", "99999999T000000.000000000Z")
	require.NoError(t, os.MkdirAll(partial, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "binary"), []byte("half"), 0o600))

	latest, err := f.mgr.LatestBackup("node_exporter")
	require.NoError(t, err)
	assert.Equal(t, b.Dir, latest.Dir)
}

func TestLatestBackup_None(t *testing.T) {
	f := newFixture(t, "1.6.1")
	_, err := f.mgr.LatestBackup("node_exporter")
	assert.ErrorIs(t, err, manager.ErrNoBackup)
}

func TestBackup_RejectsInjectedNames(t *testing.T) {
	f := newFixture(t, "1.6.1")
	for _, name := range []string{`test" ; rm -rf /`, "../../etc/passwd"} {
		_, err := f.mgr.LatestBackup(name)
		var verr *uperrors.ValidationError
		assert.ErrorAs(t, err, &verr, name)
	}
	assert.NoDirExists(t, filepath.Join(f.dir, "backups"))
}

func TestSwapBinary(t *testing.T) {
	f := newFixture(t, "1.6.1")
	staged := filepath.Join(f.dir, "staged")
	require.NoError(t, os.WriteFile(staged, []byte("node_exporter, version 1.7.0"), 0o600))

	sum, err := manager.SwapBinary(staged, f.binary)
	require.NoError(t, err)

	want, err := manager.Checksum(staged)
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	info, err := os.Stat(f.binary)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(f.dir, "bin"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staging files left behind")
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, "1.6.1")
	require.NoError(t, f.mgr.HealthCheck(context.Background(), f.comp))

	f.runner.setHealthy(false)
	err := f.mgr.HealthCheck(context.Background(), f.comp)
	var herr *uperrors.HealthCheckError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 3, herr.Attempts)
}

func TestHealthCheck_InactiveService(t *testing.T) {
	f := newFixture(t, "1.6.1")
	f.services.active = false
	err := f.mgr.HealthCheck(context.Background(), f.comp)
	var herr *uperrors.HealthCheckError
	assert.ErrorAs(t, err, &herr)
}

func TestRollback_RestoresBackup(t *testing.T) {
	f := newFixture(t, "1.6.1")
	b, err := f.mgr.BackupComponent(f.comp, "1.6.1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.binary, []byte("node_exporter, version 1.7.0"), 0o755))
	require.NoError(t, os.WriteFile(f.conf, []byte("broken"), 0o644))

	got, err := f.mgr.Rollback(context.Background(), f.comp)
	require.NoError(t, err)
	assert.Equal(t, b.Dir, got.Dir)

	sum, err := manager.Checksum(f.binary)
	require.NoError(t, err)
	assert.Equal(t, b.Checksum(), sum)
	data, err := os.ReadFile(f.conf)
	require.NoError(t, err)
	assert.Equal(t, "listen: :9100\n", string(data))
	assert.Equal(t, []string{"stop node_exporter", "start node_exporter"}, f.services.events)
}

func TestRollback_Failures(t *testing.T) {
	t.Run("no backup", func(t *testing.T) {
		f := newFixture(t, "1.6.1")
		_, err := f.mgr.Rollback(context.Background(), f.comp)
		var rerr *uperrors.RollbackFailedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "locate backup", rerr.Stage)
		assert.True(t, uperrors.IsFatal(err))
	})

	t.Run("tampered backup", func(t *testing.T) {
		f := newFixture(t, "1.6.1")
		b, err := f.mgr.BackupComponent(f.comp, "1.6.1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(b.Dir, "binary"), []byte("evil"), 0o600))

		_, err = f.mgr.Rollback(context.Background(), f.comp)
		var rerr *uperrors.RollbackFailedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "verify backup", rerr.Stage)
		assert.Empty(t, f.services.events, "service untouched")
	})

	t.Run("unhealthy after restore", func(t *testing.T) {
		f := newFixture(t, "1.6.1")
		_, err := f.mgr.BackupComponent(f.comp, "1.6.1")
		require.NoError(t, err)
		f.runner.setHealthy(false)

		_, err = f.mgr.Rollback(context.Background(), f.comp)
		var rerr *uperrors.RollbackFailedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "health check", rerr.Stage)
	})

	t.Run("start fails", func(t *testing.T) {
		f := newFixture(t, "1.6.1")
		_, err := f.mgr.BackupComponent(f.comp, "1.6.1")
		require.NoError(t, err)
		f.services.startErr = errors.New("unit failed")

		_, err = f.mgr.Rollback(context.Background(), f.comp)
		var rerr *uperrors.RollbackFailedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "start", rerr.Stage)
	})
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, "1.6.1")
	ctx := context.Background()
	probe := func(free, avail uint64) manager.Option {
		return manager.WithResourceProbes(
			func(context.Context, string) (uint64, error) { return free << 20, nil },
			func(context.Context) (uint64, error) { return avail << 20, nil },
		)
	}
	build := func(opts ...manager.Option) *manager.Manager {
		base := []manager.Option{
			manager.WithExpectedOwner(os.Getuid()),
			manager.WithResourceThresholds(100, 64),
		}
		return manager.New(filepath.Join(f.dir, "backups"), append(base, opts...)...)
	}

	require.NoError(t, build(probe(500, 512)).Preflight(ctx, []component.Component{f.comp}))

	err := build(probe(50, 512)).Preflight(ctx, []component.Component{f.comp})
	assert.ErrorIs(t, err, manager.ErrInsufficientResources)

	err = build(probe(500, 10)).Preflight(ctx, []component.Component{f.comp})
	assert.ErrorIs(t, err, manager.ErrInsufficientResources)

	require.NoError(t, os.Chmod(f.binary, 0o777))
	err = build(probe(500, 512)).Preflight(ctx, []component.Component{f.comp})
	var serr *uperrors.SecurityError
	assert.ErrorAs(t, err, &serr)
}

func TestPreflight_MissingBinaryIsFine(t *testing.T) {
	f := newFixture(t, "")
	assert.NoError(t, f.mgr.Preflight(context.Background(), []component.Component{f.comp}))
}

func TestExecRunner(t *testing.T) {
	r := manager.ExecRunner{}
	out, err := r.Run(context.Background(), "/bin/sh", "-c", "echo v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3\n", string(out))

	_, err = r.Run(context.Background(), "/bin/sh", "-c", "exit 3")
	assert.ErrorContains(t, err, "status 3")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, "/bin/sh", "-c", "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
