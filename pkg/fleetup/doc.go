/*
Package fleetup upgrades the monitoring components of a single host
(exporters, time-series databases, log shippers) in place, one phase at a
time, and is safe to re-run, interrupt and resume.

# Overview

An upgrade is driven by a plan: a list of components with their target
versions and an ordered list of phases grouping them. For every component
the orchestrator runs the same procedure:

 1. detect the installed version and skip if it is already at target
 2. back up the live binary and config files
 3. stage the new artifact
 4. stop the service, swap the binary, start the service
 5. verify health, and roll back to the backup on failure

Every step is journaled to a session file under the state directory
before the next one begins. A process killed at any point leaves a
session that Resume continues from, under the same upgrade ID, without
touching components that already reached a terminal status.

# Basic Usage

	plan, err := config.Load("/etc/fleetup/plan.yaml")
	if err != nil {
	    return err
	}

	orch, err := fleetup.New(plan, fleetup.WithLogger(logger))
	if err != nil {
	    return err
	}
	defer orch.Close()

	res, err := orch.Run(ctx, "all", config.ModeStandard, false)
	if err != nil {
	    return err
	}
	os.Exit(res.ExitCode())

# Modes

  - safe: asks the Confirmer before each component
  - standard: pauses between components
  - fast: no pause, backs up critical components only
  - dry-run: reports what would happen, takes no lock and writes nothing

# Mutual Exclusion

Run, Resume and RollbackLast hold the session lock for their whole
duration. A second invocation waits up to the configured timeout and then
fails with a LockTimeoutError. Status and History read without the lock.

# Failures

A component whose upgrade fails is rolled back and recorded failed; by
default later phases are then skipped as blocked. A failed rollback is
fatal: the session is marked failed and nothing further runs.

	res, err := orch.Run(ctx, "all", config.ModeStandard, false)
	var cerr *fleetup.ComponentError
	if errors.As(err, &cerr) {
	    log.Printf("operator intervention required on %s", cerr.Component)
	}

Cancelling ctx stops the run between components. The component in its
critical section finishes first, and the session stays in progress:

	var cancelled *fleetup.CancellationError
	if errors.As(err, &cancelled) {
	    // orch.Resume(ctx) continues with cancelled.Next
	}

# Observability

Logging uses log/slog. Metrics and tracing use OpenTelemetry and are off
unless enabled with WithMetrics and WithTracing. A Prometheus textfile of
the session state is written after every call when the plan sets
metrics_textfile.
*/
package fleetup
