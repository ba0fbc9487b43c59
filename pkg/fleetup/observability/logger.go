// Package observability provides logging, metrics and tracing for
// upgrade runs.
//
// Features:
//   - Structured logging via slog
//   - Metrics and tracing via OpenTelemetry
//   - Prometheus textfile export for node_exporter's textfile collector
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds upgrade context to a logger.
// Returns a new logger with upgrade_id, component, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "3f1c...", "node_exporter", 1)
//	enriched.Info("stopping service") // includes upgrade_id, component, attempt
func EnrichLogger(logger *slog.Logger, upgradeID, component string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("upgrade_id", upgradeID),
		slog.String("component", component),
		slog.Int("attempt", attempt),
	)
}

// LogUpgradeStart logs the start of an upgrade session.
func LogUpgradeStart(logger *slog.Logger, upgradeID, mode string, components int) {
	if logger == nil {
		return
	}
	logger.Info("upgrade starting",
		slog.String("upgrade_id", upgradeID),
		slog.String("mode", mode),
		slog.Int("components", components),
	)
}

// LogUpgradeComplete logs a finished upgrade session.
func LogUpgradeComplete(logger *slog.Logger, upgradeID string, durationMs float64, completed, failed, skipped int) {
	if logger == nil {
		return
	}
	logger.Info("upgrade completed",
		slog.String("upgrade_id", upgradeID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("completed", completed),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
	)
}

// LogUpgradeError logs an upgrade that failed as a whole.
func LogUpgradeError(logger *slog.Logger, upgradeID string, err error, durationMs float64, lastComponent string) {
	if logger == nil {
		return
	}
	logger.Error("upgrade failed",
		slog.String("upgrade_id", upgradeID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_component", lastComponent),
	)
}

// LogPhaseStart logs entry into a phase.
func LogPhaseStart(logger *slog.Logger, phase, risk string, concurrency int) {
	if logger == nil {
		return
	}
	logger.Info("phase starting",
		slog.String("phase", phase),
		slog.String("risk", risk),
		slog.Int("concurrency", concurrency),
	)
}

// LogComponentStart logs the start of a component upgrade.
func LogComponentStart(logger *slog.Logger, component, from, to string) {
	if logger == nil {
		return
	}
	logger.Info("component upgrade starting",
		slog.String("component", component),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogComponentComplete logs a successful component upgrade.
func LogComponentComplete(logger *slog.Logger, component, version string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("component upgraded",
		slog.String("component", component),
		slog.String("version", version),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogComponentSkipped logs a component that needed no work.
func LogComponentSkipped(logger *slog.Logger, component, reason string) {
	if logger == nil {
		return
	}
	logger.Info("component skipped",
		slog.String("component", component),
		slog.String("reason", reason),
	)
}

// LogComponentError logs a failed component upgrade.
func LogComponentError(logger *slog.Logger, component string, err error) {
	if logger == nil {
		return
	}
	logger.Error("component upgrade failed",
		slog.String("component", component),
		slog.String("error", err.Error()),
	)
}

// LogStep logs a persisted step of the component procedure.
func LogStep(logger *slog.Logger, component, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step done",
		slog.String("component", component),
		slog.String("step", step),
	)
}

// LogRollback logs the outcome of a rollback.
func LogRollback(logger *slog.Logger, component, backup string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("rollback failed, operator intervention required",
			slog.String("component", component),
			slog.String("backup", backup),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Warn("component rolled back",
		slog.String("component", component),
		slog.String("backup", backup),
	)
}

// LogLockWait logs how long acquiring the session lock took.
func LogLockWait(logger *slog.Logger, path string, waited time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("session lock acquired",
		slog.String("path", path),
		slog.Duration("waited", waited),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, name, file string) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("checkpoint", name),
		slog.String("file", file),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, name string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("checkpoint", name),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
