package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/executor"
	"github.com/randalmurphal/fleetup/pkg/fleetup/hosttest"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

type env struct {
	host  *hosttest.Host
	store *state.Store
	mgr   *manager.Manager
	exec  *executor.Executor
}

func newEnv(t *testing.T, opts ...executor.Option) *env {
	t.Helper()
	h := hosttest.New(t)
	store, err := state.Open(filepath.Join(h.Dir, "state"))
	require.NoError(t, err)
	mgr := manager.New(filepath.Join(h.Dir, "backups"),
		manager.WithExpectedOwner(os.Getuid()),
		manager.WithRunner(h),
		manager.WithServices(h),
		manager.WithHealthPolicy(manager.HealthPolicy{
			Timeout:         time.Second,
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		}),
	)
	return &env{
		host:  h,
		store: store,
		mgr:   mgr,
		exec:  executor.New(store, mgr, h, h, opts...),
	}
}

func (e *env) component(t *testing.T, cfg config.ComponentConfig) component.Component {
	t.Helper()
	c, err := component.NewRegistry().Build(cfg)
	require.NoError(t, err)
	return c
}

func (e *env) begin(t *testing.T, names ...string) {
	t.Helper()
	_, err := e.store.BeginUpgrade("standard", names...)
	require.NoError(t, err)
}

func (e *env) componentState(t *testing.T, name string) *state.ComponentState {
	t.Helper()
	sess, err := e.store.Read()
	require.NoError(t, err)
	cs := sess.Component(name)
	require.NotNil(t, cs)
	return cs
}

func TestUpgrade_VersionGate(t *testing.T) {
	t.Run("at target is skipped without side effects", func(t *testing.T) {
		e := newEnv(t)
		e.host.Install(t, "node_exporter", "1.2.3")
		c := e.component(t, e.host.ComponentConfig("node_exporter", config.KindExporter, "1.2.3"))
		e.begin(t, "node_exporter")

		res, err := e.exec.Upgrade(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, state.ComponentSkipped, res.Status)
		assert.Equal(t, executor.ReasonAtTarget, res.Reason)

		cs := e.componentState(t, "node_exporter")
		assert.Equal(t, state.ComponentSkipped, cs.Status)
		assert.Empty(t, cs.BackupPath)
		assert.Empty(t, e.host.Events())
		assert.Empty(t, e.host.Installs())
		assert.NoDirExists(t, filepath.Join(e.host.Dir, "backups"))
	})

	t.Run("below target is upgraded", func(t *testing.T) {
		e := newEnv(t)
		e.host.Install(t, "node_exporter", "1.2.3")
		c := e.component(t, e.host.ComponentConfig("node_exporter", config.KindExporter, "1.3.0"))
		e.begin(t, "node_exporter")

		res, err := e.exec.Upgrade(context.Background(), c)
		require.NoError(t, err)
		require.NoError(t, res.Err)
		assert.Equal(t, state.ComponentCompleted, res.Status)
		assert.Equal(t, "1.2.3", res.From)
		assert.Equal(t, "1.3.0", res.To)
		assert.Equal(t, "1.3.0", e.host.InstalledVersion("node_exporter"))
		assert.Equal(t, []string{"stop node_exporter", "start node_exporter"}, e.host.Events())

		cs := e.componentState(t, "node_exporter")
		assert.Equal(t, state.ComponentCompleted, cs.Status)
		assert.Equal(t, state.StepVerified, cs.Step)
		assert.Equal(t, 1, cs.Attempts)
		assert.Equal(t, "1.2.3", cs.FromVersion)
		assert.Equal(t, "1.3.0", cs.ToVersion)
		assert.True(t, cs.RollbackAvailable)
		assert.DirExists(t, cs.BackupPath)

		sum, err := manager.Checksum(e.host.BinaryPath("node_exporter"))
		require.NoError(t, err)
		assert.Equal(t, sum, cs.Checksum)
	})

	t.Run("force reinstalls target", func(t *testing.T) {
		e := newEnv(t, executor.WithForce(true))
		e.host.Install(t, "node_exporter", "1.3.0")
		c := e.component(t, e.host.ComponentConfig("node_exporter", config.KindExporter, "1.3.0"))
		e.begin(t, "node_exporter")

		res, err := e.exec.Upgrade(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, state.ComponentCompleted, res.Status)
		assert.Equal(t, []string{"node_exporter@1.3.0"}, e.host.Installs())
	})
}

func TestUpgrade_NotInstalledIsSkipped(t *testing.T) {
	e := newEnv(t)
	c := e.component(t, e.host.ComponentConfig("promtail", config.KindLogShipper, "2.9.0"))
	e.begin(t, "promtail")

	res, err := e.exec.Upgrade(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentSkipped, res.Status)
	assert.Equal(t, executor.ReasonNotInstalled, res.Reason)
}

func TestUpgrade_UnhealthyRollsBack(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	e.host.Break("loki", "2.9.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")

	before, err := manager.Checksum(e.host.BinaryPath("loki"))
	require.NoError(t, err)

	res, err := e.exec.Upgrade(context.Background(), c)
	require.NoError(t, err, "an ordinary failure is reported in the result")
	assert.Equal(t, state.ComponentFailed, res.Status)
	var herr *uperrors.HealthCheckError
	assert.ErrorAs(t, res.Err, &herr)
	assert.NoError(t, res.RollbackErr)

	// The old binary is back and running.
	assert.Equal(t, "2.8.0", e.host.InstalledVersion("loki"))
	assert.True(t, e.host.Active("loki"))
	after, err := manager.Checksum(e.host.BinaryPath("loki"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	cs := e.componentState(t, "loki")
	assert.Equal(t, state.ComponentFailed, cs.Status)
	require.NotNil(t, cs.Error)
	assert.Contains(t, *cs.Error, "health check")
	assert.False(t, cs.RollbackAvailable)
	assert.Equal(t, before, cs.Checksum)

	sess, err := e.store.Read()
	require.NoError(t, err)
	require.Len(t, sess.Errors, 1)
	assert.Equal(t, "loki", sess.Errors[0].Component)
}

func TestUpgrade_RollbackFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	e.host.Break("loki", "2.9.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")

	// The restarted service never comes up, so neither the upgrade nor
	// the rollback can pass health checks.
	e.host.OnStop(func(string) { e.host.FailStart("loki", errors.New("unit entered failed state")) })

	res, err := e.exec.Upgrade(context.Background(), c)
	var rerr *uperrors.RollbackFailedError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, uperrors.IsFatal(err))
	assert.Equal(t, state.ComponentFailed, res.Status)
	assert.Equal(t, state.ComponentFailed, e.componentState(t, "loki").Status)
}

func TestUpgrade_CancelledBeforeStart(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.exec.Upgrade(ctx, c)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Status)
	assert.Equal(t, state.ComponentPending, e.componentState(t, "loki").Status)
	assert.Empty(t, e.host.Events())
}

func TestUpgrade_CriticalSectionIgnoresCancellation(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "node_exporter", "1.2.3")
	c := e.component(t, e.host.ComponentConfig("node_exporter", config.KindExporter, "1.3.0"))
	e.begin(t, "node_exporter")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.host.OnStop(func(string) { cancel() })

	res, err := e.exec.Upgrade(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentCompleted, res.Status)
	assert.True(t, e.host.Active("node_exporter"), "service is never left stopped")
}

func TestUpgrade_IntermediateVersions(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "prometheus", "2.30.0")
	cfg := e.host.ComponentConfig("prometheus", config.KindDatabase, "3.0.0")
	cfg.IntermediateVersions = []string{"2.20.0", "2.40.0", "2.55.0"}
	c := e.component(t, cfg)
	e.begin(t, "prometheus")

	res, err := e.exec.Upgrade(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, state.ComponentCompleted, res.Status)
	assert.Equal(t, []string{"prometheus@2.40.0", "prometheus@2.55.0", "prometheus@3.0.0"}, e.host.Installs(),
		"hops below the installed version are not applied")

	cs := e.componentState(t, "prometheus")
	assert.Equal(t, "2.30.0", cs.FromVersion)
	assert.Equal(t, "3.0.0", cs.ToVersion)

	backups, err := e.mgr.ListBackups("prometheus")
	require.NoError(t, err)
	assert.Len(t, backups, 3, "one backup per hop")
}

func TestUpgrade_IntermediateHopFailureStopsAtLastGoodHop(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "prometheus", "2.30.0")
	e.host.Break("prometheus", "3.0.0")
	cfg := e.host.ComponentConfig("prometheus", config.KindDatabase, "3.0.0")
	cfg.IntermediateVersions = []string{"2.55.0"}
	c := e.component(t, cfg)
	e.begin(t, "prometheus")

	res, err := e.exec.Upgrade(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentFailed, res.Status)
	assert.Equal(t, "2.55.0", e.host.InstalledVersion("prometheus"))
	assert.True(t, e.host.Active("prometheus"))
}

func TestUpgrade_CriticalOnlyBackups(t *testing.T) {
	e := newEnv(t, executor.WithBackupPolicy(executor.CriticalOnly))
	e.host.Install(t, "node_exporter", "1.2.3")
	e.host.Install(t, "prometheus", "2.50.0")
	exporter := e.component(t, e.host.ComponentConfig("node_exporter", config.KindExporter, "1.3.0"))
	dbCfg := e.host.ComponentConfig("prometheus", config.KindDatabase, "2.51.0")
	dbCfg.Critical = true
	db := e.component(t, dbCfg)
	e.begin(t, "node_exporter", "prometheus")

	_, err := e.exec.Upgrade(context.Background(), exporter)
	require.NoError(t, err)
	_, err = e.exec.Upgrade(context.Background(), db)
	require.NoError(t, err)

	ne := e.componentState(t, "node_exporter")
	assert.Equal(t, state.ComponentCompleted, ne.Status)
	assert.Empty(t, ne.BackupPath)
	assert.False(t, ne.RollbackAvailable)

	p := e.componentState(t, "prometheus")
	assert.Equal(t, state.ComponentCompleted, p.Status)
	assert.True(t, p.RollbackAvailable)
}

func TestUpgrade_InjectedNameRejectedBeforeMutation(t *testing.T) {
	e := newEnv(t)
	e.begin(t, "node_exporter")
	before, err := os.ReadFile(e.store.Path())
	require.NoError(t, err)

	for _, name := range []string{`test" ; rm -rf /`, "../../etc/passwd"} {
		err := e.store.BeginComponent(name, "", "1.0.0")
		var verr *uperrors.ValidationError
		require.ErrorAs(t, err, &verr)
	}

	after, err := os.ReadFile(e.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoDirExists(t, filepath.Join(e.host.Dir, "backups"))
}

func TestSkip(t *testing.T) {
	e := newEnv(t)
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")

	res, err := e.exec.Skip(c, "declined by operator")
	require.NoError(t, err)
	assert.Equal(t, state.ComponentSkipped, res.Status)
	assert.Equal(t, "declined by operator", e.componentState(t, "loki").SkipReason)
}
