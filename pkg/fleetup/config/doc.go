/*
Package config loads and validates the upgrade plan.

# Overview

A plan names the components fleetup manages, the version each should
reach, and the phases that order them. It also carries the paths, lock
and health-check bounds, pre-flight thresholds and per-mode pauses the
orchestrator runs with.

	plan, err := config.Load("/etc/fleetup/plan.yaml")
	if err != nil {
	    log.Fatal(err)
	}

Load dispatches on the file extension (.yaml, .yml, .json), rejects
unknown fields, fills defaults with ApplyDefaults and then runs Validate.
Validation reports every problem at once (errors.Join) and each problem
is a *errors.ValidationError.

# Example

	state_dir: /var/lib/fleetup
	backup_root: /var/backups/fleetup
	health:
	  timeout: 30s
	components:
	  - name: node_exporter
	    kind: exporter
	    binary: /usr/local/bin/node_exporter
	    target_version: 1.8.2
	    options:
	      listen_address: 127.0.0.1:9100
	      stop_grace: 20s
	  - name: prometheus
	    kind: database
	    binary: /usr/local/bin/prometheus
	    target_version: 3.1.0
	    intermediate_versions: [2.55.1]
	phases:
	  - name: exporters
	    risk: low
	    concurrency: 4
	    components: [node_exporter]
	  - name: database
	    risk: high
	    components: [prometheus]

# Component options

Kind-specific settings live in a free-form options map. Options gives
typed access with defaults. Durations accept "10s" strings or bare
numbers of seconds, whether YAML ints or JSON float64s:

	listen := c.Opts().String("listen_address", "127.0.0.1:9100")
	grace := c.Opts().Duration("stop_grace", 10*time.Second)
*/
package config
