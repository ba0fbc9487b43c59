package executor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// crashAfter replays the procedure for c up to and including step, as a
// process killed right after journaling it would have left things.
func (e *env) crashAfter(t *testing.T, c component.Component, from string, step state.Step) {
	t.Helper()
	name := c.Name()
	target := c.Target().String()
	require.NoError(t, e.store.BeginComponent(name, from, target))
	require.NoError(t, e.store.MarkStep(name, state.StepGated))
	if step == state.StepGated {
		return
	}

	_, err := e.mgr.BackupComponent(c, from)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkStep(name, state.StepBackedUp))
	if step == state.StepBackedUp {
		return
	}

	require.NoError(t, e.host.Stop(context.Background(), c.Service()))
	require.NoError(t, e.store.MarkStep(name, state.StepStopped))
	if step == state.StepStopped {
		return
	}

	staged, err := e.host.InstallBinary(context.Background(), name, target)
	require.NoError(t, err)
	_, err = manager.SwapBinary(staged, c.Binary())
	require.NoError(t, err)
	require.NoError(t, e.store.MarkStep(name, state.StepSwapped))
}

func TestRecover_AfterSwapCompletes(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")
	e.crashAfter(t, c, "2.8.0", state.StepSwapped)
	require.False(t, e.host.Active("loki"))

	res, err := e.exec.Recover(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, state.ComponentCompleted, res.Status)
	assert.True(t, e.host.Active("loki"))
	assert.Equal(t, "2.9.0", e.host.InstalledVersion("loki"))

	cs := e.componentState(t, "loki")
	assert.Equal(t, state.ComponentCompleted, cs.Status)
	assert.Equal(t, 1, cs.Attempts, "recovery continues the same attempt")
	assert.True(t, cs.RollbackAvailable, "the backup from the interrupted attempt is kept")
	assert.Equal(t, []string{"loki@2.9.0"}, e.host.Installs(), "nothing restaged")
}

func TestRecover_AfterSwapUnhealthyRollsBack(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	e.host.Break("loki", "2.9.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")
	e.crashAfter(t, c, "2.8.0", state.StepSwapped)

	res, err := e.exec.Recover(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentFailed, res.Status)
	assert.Equal(t, "2.8.0", e.host.InstalledVersion("loki"))
	assert.True(t, e.host.Active("loki"))
	assert.Equal(t, state.ComponentFailed, e.componentState(t, "loki").Status)
}

func TestRecover_AfterStopBeforeSwap(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")
	e.crashAfter(t, c, "2.8.0", state.StepStopped)

	// The old binary is still in place; it starts fine but is not the
	// version the hop was installing, so the attempt is rolled back.
	res, err := e.exec.Recover(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentFailed, res.Status)
	assert.Equal(t, "2.8.0", e.host.InstalledVersion("loki"))
	assert.True(t, e.host.Active("loki"))
}

func TestRecover_BeforeStopReruns(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")
	e.crashAfter(t, c, "2.8.0", state.StepBackedUp)

	res, err := e.exec.Recover(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, state.ComponentCompleted, res.Status)
	assert.Equal(t, "2.9.0", e.host.InstalledVersion("loki"))
	assert.Equal(t, 2, e.componentState(t, "loki").Attempts)
}

func TestRecover_RequiresInProgress(t *testing.T) {
	e := newEnv(t)
	e.host.Install(t, "loki", "2.8.0")
	c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
	e.begin(t, "loki")

	_, err := e.exec.Recover(context.Background(), c)
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
}

func TestAbort(t *testing.T) {
	t.Run("after stop rolls back", func(t *testing.T) {
		e := newEnv(t)
		e.host.Install(t, "loki", "2.8.0")
		c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
		e.begin(t, "loki")
		e.crashAfter(t, c, "2.8.0", state.StepSwapped)

		res, err := e.exec.Abort(context.Background(), c, errors.New("panic: nil map"))
		require.NoError(t, err)
		assert.Equal(t, state.ComponentFailed, res.Status)
		assert.Equal(t, "2.8.0", e.host.InstalledVersion("loki"))
		assert.True(t, e.host.Active("loki"))

		cs := e.componentState(t, "loki")
		require.NotNil(t, cs.Error)
		assert.Contains(t, *cs.Error, "nil map")
	})

	t.Run("before stop only records", func(t *testing.T) {
		e := newEnv(t)
		e.host.Install(t, "loki", "2.8.0")
		c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
		e.begin(t, "loki")
		e.crashAfter(t, c, "2.8.0", state.StepBackedUp)

		res, err := e.exec.Abort(context.Background(), c, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, state.ComponentFailed, res.Status)
		assert.Empty(t, e.host.Events())
	})

	t.Run("terminal is left alone", func(t *testing.T) {
		e := newEnv(t)
		c := e.component(t, e.host.ComponentConfig("loki", config.KindLogShipper, "2.9.0"))
		e.begin(t, "loki")
		require.NoError(t, e.store.SkipComponent("loki", "declined by operator"))

		res, err := e.exec.Abort(context.Background(), c, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, state.ComponentSkipped, res.Status)
		assert.Equal(t, state.ComponentSkipped, e.componentState(t, "loki").Status)
	})
}
