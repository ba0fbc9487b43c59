package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// ComponentStatuses are the label values of fleetup_component_status.
var ComponentStatuses = []string{"pending", "in_progress", "completed", "failed", "skipped"}

// SessionSnapshot is what the textfile exporter needs to know about a
// session.
type SessionSnapshot struct {
	UpgradeID  string
	Mode       string
	Status     string
	UpdatedAt  time.Time
	Components map[string]ComponentSnapshot
}

// ComponentSnapshot is one component's exported state.
type ComponentSnapshot struct {
	Status            string
	Attempts          int
	RollbackAvailable bool
}

// TextfileExporter writes session gauges in the Prometheus text format
// for node_exporter's textfile collector. Each Export replaces the
// previous contents of the file atomically.
type TextfileExporter struct {
	mu   sync.Mutex
	path string
	reg  *prom.Registry

	session    *prom.GaugeVec
	updated    prom.Gauge
	status     *prom.GaugeVec
	attempts   *prom.GaugeVec
	rollback   *prom.GaugeVec
	lastExport prom.Gauge
}

// NewTextfileExporter creates an exporter writing to path. The file name
// must end in .prom for the textfile collector to pick it up.
func NewTextfileExporter(path string) (*TextfileExporter, error) {
	if filepath.Ext(path) != ".prom" {
		return nil, fmt.Errorf("metrics textfile %s must end in .prom", path)
	}
	e := &TextfileExporter{
		path: path,
		reg:  prom.NewRegistry(),
		session: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "session_info",
			Help:      "Most recent upgrade session (value is always 1)",
		}, []string{"upgrade_id", "mode", "status"}),
		updated: prom.NewGauge(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "session_updated_timestamp_seconds",
			Help:      "Last time the session document changed",
		}),
		status: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "component_status",
			Help:      "Component status in the most recent session (1 for the current status)",
		}, []string{"component", "status"}),
		attempts: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "component_attempts",
			Help:      "Upgrade attempts for the component in the most recent session",
		}, []string{"component"}),
		rollback: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "component_rollback_available",
			Help:      "Whether a verified backup can be restored for the component",
		}, []string{"component"}),
		lastExport: prom.NewGauge(prom.GaugeOpts{
			Namespace: "fleetup",
			Name:      "textfile_export_timestamp_seconds",
			Help:      "Time this file was written",
		}),
	}
	e.reg.MustRegister(e.session, e.updated, e.status, e.attempts, e.rollback, e.lastExport)
	return e, nil
}

// Path returns the output file.
func (e *TextfileExporter) Path() string { return e.path }

// Registry exposes the underlying registry.
func (e *TextfileExporter) Registry() *prom.Registry { return e.reg }

// Export replaces the gauges with snap and writes the file.
func (e *TextfileExporter) Export(snap SessionSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.Reset()
	e.status.Reset()
	e.attempts.Reset()
	e.rollback.Reset()

	e.session.WithLabelValues(snap.UpgradeID, snap.Mode, snap.Status).Set(1)
	if !snap.UpdatedAt.IsZero() {
		e.updated.Set(float64(snap.UpdatedAt.Unix()))
	}
	for name, c := range snap.Components {
		for _, s := range ComponentStatuses {
			v := 0.0
			if s == c.Status {
				v = 1
			}
			e.status.WithLabelValues(name, s).Set(v)
		}
		e.attempts.WithLabelValues(name).Set(float64(c.Attempts))
		rb := 0.0
		if c.RollbackAvailable {
			rb = 1
		}
		e.rollback.WithLabelValues(name).Set(rb)
	}
	e.lastExport.SetToCurrentTime()

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	if err := prom.WriteToTextfile(e.path, e.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
