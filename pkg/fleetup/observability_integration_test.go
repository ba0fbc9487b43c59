package fleetup

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
)

// testLogHandler captures log records for testing.
type testLogHandler struct {
	mu    *sync.Mutex
	buf   *bytes.Buffer
	level slog.Level
	attrs []slog.Attr
}

func newTestLogHandler() *testLogHandler {
	return &testLogHandler{
		mu:    &sync.Mutex{},
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, a := range h.attrs {
		data[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *testLogHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *testLogHandler) getRecords() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var records []map[string]any
	for _, line := range bytes.Split(h.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			records = append(records, m)
		}
	}
	return records
}

func (h *testLogHandler) withMsg(msg string) []map[string]any {
	var out []map[string]any
	for _, r := range h.getRecords() {
		if r["msg"] == msg {
			out = append(out, r)
		}
	}
	return out
}

func TestRun_LogsUpgradeLifecycle(t *testing.T) {
	f := newFixture(t)
	h := newTestLogHandler()
	o := f.orchestrator(t, WithLogger(slog.New(h)))

	res, err := o.Run(context.Background(), "all", config.ModeStandard, false)
	require.NoError(t, err)

	starts := h.withMsg("upgrade starting")
	require.Len(t, starts, 1)
	assert.Equal(t, res.UpgradeID, starts[0]["upgrade_id"])
	assert.Equal(t, config.ModeStandard, starts[0]["mode"])

	done := h.withMsg("upgrade completed")
	require.Len(t, done, 1)
	assert.Equal(t, res.UpgradeID, done[0]["upgrade_id"])

	assert.Len(t, h.withMsg("phase starting"), 2)
	upgraded := h.withMsg("component upgraded")
	assert.Len(t, upgraded, 3)
	for _, r := range upgraded {
		assert.Equal(t, res.UpgradeID, r["upgrade_id"], "component logs carry the upgrade id")
	}
	assert.NotEmpty(t, h.withMsg("step done"))
	assert.Len(t, h.withMsg("checkpoint saved"), 2)
}

func TestRun_LogsComponentFailure(t *testing.T) {
	f := newFixture(t)
	f.host.Break("loki", "2.9.0")
	h := newTestLogHandler()
	o := f.orchestrator(t, WithLogger(slog.New(h)))

	_, err := o.Run(context.Background(), "logging", config.ModeStandard, false)
	require.NoError(t, err)

	failed := h.withMsg("component upgrade failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "loki", failed[0]["component"])
	assert.Equal(t, "ERROR", failed[0]["level"])

	rolled := h.withMsg("component rolled back")
	require.Len(t, rolled, 1)
	assert.Equal(t, "loki", rolled[0]["component"])
	assert.Empty(t, h.withMsg("upgrade failed"), "a rolled back component does not fail the session")
}

func TestRun_LogsSkips(t *testing.T) {
	f := newFixture(t)
	f.host.Install(t, "loki", "2.9.0")
	h := newTestLogHandler()
	o := f.orchestrator(t, WithLogger(slog.New(h)))

	_, err := o.Run(context.Background(), "logging", config.ModeStandard, false)
	require.NoError(t, err)

	skipped := h.withMsg("component skipped")
	require.Len(t, skipped, 1)
	assert.Equal(t, "already at target version", skipped[0]["reason"])
}

func TestRun_WithMetrics_Enabled(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, WithMetrics(observability.NewMetricsRecorder()))

	res, err := o.Run(context.Background(), "all", config.ModeStandard, false)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode())
}

func TestRun_WithTracing_Enabled(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, WithTracing(observability.NewSpanManager()))

	res, err := o.Run(context.Background(), "all", config.ModeStandard, false)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode())
}

func TestRun_WithAllObservability(t *testing.T) {
	f := newFixture(t)
	h := newTestLogHandler()
	o := f.orchestrator(t,
		WithLogger(slog.New(h)),
		WithMetrics(observability.NewMetricsRecorder()),
		WithTracing(observability.NewSpanManager()))

	_, err := o.Run(context.Background(), "all", config.ModeStandard, false)
	require.NoError(t, err)
	assert.NotEmpty(t, h.getRecords())
}

func TestObservabilityOptions_AreApplied(t *testing.T) {
	t.Run("defaults are noop", func(t *testing.T) {
		o := &Orchestrator{metrics: observability.NoopMetrics{}, spans: observability.NoopSpanManager{}}
		WithMetrics(nil)(o)
		WithTracing(nil)(o)
		assert.IsType(t, observability.NoopMetrics{}, o.metrics)
		assert.IsType(t, observability.NoopSpanManager{}, o.spans)
	})

	t.Run("WithMetrics sets recorder", func(t *testing.T) {
		o := &Orchestrator{}
		m := observability.NewMetricsRecorder()
		WithMetrics(m)(o)
		assert.Equal(t, m, o.metrics)
	})

	t.Run("WithTracing sets span manager", func(t *testing.T) {
		o := &Orchestrator{}
		s := observability.NewSpanManager()
		WithTracing(s)(o)
		assert.Equal(t, s, o.spans)
	})

	t.Run("WithLogger sets logger", func(t *testing.T) {
		o := &Orchestrator{}
		logger := slog.New(newTestLogHandler())
		WithLogger(logger)(o)
		assert.Equal(t, logger, o.logger)
	})
}
