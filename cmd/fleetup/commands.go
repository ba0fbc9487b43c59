package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/randalmurphal/fleetup/pkg/fleetup"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// CLI definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Plan file path" default:"/etc/fleetup/plan.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Trace   bool             `help:"Log every finished trace span"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run      RunCmd      `cmd:"" help:"Upgrade components to their target versions"`
	Status   StatusCmd   `cmd:"" help:"Show the current upgrade session"`
	Resume   ResumeCmd   `cmd:"" help:"Continue an interrupted upgrade session"`
	Rollback RollbackCmd `cmd:"" help:"Roll back the most recently upgraded component"`
	History  HistoryCmd  `cmd:"" help:"List finished upgrade sessions"`
	Plan     PlanCmd     `cmd:"" help:"Show what run would do without changing anything"`

	shutdown func(context.Context) error `kong:"-"`
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if c.Trace {
		c.shutdown = setupTracing(logger)
	}
	return nil
}

func (c *CLI) open(opts ...fleetup.Option) (*fleetup.Orchestrator, error) {
	plan, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	base := []fleetup.Option{fleetup.WithLogger(slog.Default())}
	if c.Trace {
		base = append(base, fleetup.WithTracing(observability.NewSpanManager()))
	}
	return fleetup.New(plan, append(base, opts...)...)
}

// RunCmd implements the 'run' command.
type RunCmd struct {
	Phase string `short:"p" help:"Phase to run, or all" default:"all"`
	Mode  string `short:"m" help:"Upgrade mode (${enum})" enum:"safe,standard,fast,dry-run" default:"standard"`
	Force bool   `help:"Upgrade even when the installed version is at or above target"`
	JSON  bool   `help:"Print the dry-run report as JSON"`
}

func (r *RunCmd) Run(g *Global, cli *CLI) error {
	var opts []fleetup.Option
	if r.Mode == config.ModeSafe {
		opts = append(opts, fleetup.WithConfirmer(fleetup.NewPromptConfirmer(g.Stdin, g.Stdout)))
	}
	orch, err := cli.open(opts...)
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.Run(g.Ctx, r.Phase, r.Mode, r.Force)
	if res != nil {
		if res.Report != nil {
			if perr := printReport(g.Stdout, res.Report, r.JSON); perr != nil {
				return perr
			}
		} else {
			printResult(g.Stdout, res)
		}
	}
	if err != nil {
		return &exitError{code: fleetup.ExitFailure, err: err}
	}
	return exitWith(res.ExitCode())
}

// PlanCmd implements the 'plan' command: a dry run.
type PlanCmd struct {
	Phase string `short:"p" help:"Phase to plan, or all" default:"all"`
	Mode  string `short:"m" help:"Mode to plan for (${enum})" enum:"safe,standard,fast,dry-run" default:"standard"`
	Force bool   `help:"Plan as if --force were given to run"`
	JSON  bool   `help:"Print the report as JSON"`
}

func (p *PlanCmd) Run(g *Global, cli *CLI) error {
	orch, err := cli.open()
	if err != nil {
		return err
	}
	defer orch.Close()

	report, err := orch.DryRun(g.Ctx, p.Phase, p.Mode, p.Force)
	if err != nil {
		return err
	}
	if err := printReport(g.Stdout, report, p.JSON); err != nil {
		return err
	}
	return exitWith((&fleetup.Result{Report: report}).ExitCode())
}

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	JSON bool `help:"Print the raw session document"`
}

func (s *StatusCmd) Run(g *Global, cli *CLI) error {
	orch, err := cli.open()
	if err != nil {
		return err
	}
	defer orch.Close()

	sess, err := orch.Status()
	if err != nil {
		return err
	}
	if s.JSON {
		enc := json.NewEncoder(g.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}
	printSession(g.Stdout, sess)
	return nil
}

// ResumeCmd implements the 'resume' command.
type ResumeCmd struct{}

func (r *ResumeCmd) Run(g *Global, cli *CLI) error {
	orch, err := cli.open()
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.Resume(g.Ctx)
	if errors.Is(err, fleetup.ErrNothingToResume) {
		fmt.Fprintln(g.Stdout, "Nothing to resume")
		return exitWith(fleetup.ExitSkipped)
	}
	if res != nil {
		printResult(g.Stdout, res)
	}
	if err != nil {
		return &exitError{code: fleetup.ExitFailure, err: err}
	}
	return exitWith(res.ExitCode())
}

// RollbackCmd implements the 'rollback' command.
type RollbackCmd struct{}

func (r *RollbackCmd) Run(g *Global, cli *CLI) error {
	orch, err := cli.open()
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.RollbackLast(g.Ctx)
	if errors.Is(err, fleetup.ErrNothingToRollback) {
		fmt.Fprintln(g.Stdout, "Nothing to roll back")
		return exitWith(fleetup.ExitSkipped)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Stdout, "Rolled back %s to %s (backup %s)\n", res.Component, res.Version, res.Backup)
	return nil
}

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Limit int `short:"n" help:"Maximum sessions to list, newest first (0 for all)" default:"20"`
}

func (h *HistoryCmd) Run(g *Global, cli *CLI) error {
	orch, err := cli.open()
	if err != nil {
		return err
	}
	defer orch.Close()

	sums, err := orch.History(h.Limit)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintln(g.Stdout, "No finished sessions")
		return nil
	}
	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPGRADE ID\tSTATUS\tMODE\tSTARTED\tDURATION\tCOMPLETED\tFAILED\tSKIPPED")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.UpgradeID, s.Status, s.Mode, formatTime(s.StartedAt),
			s.CompletedAt.Sub(s.StartedAt).Round(time.Second),
			s.Completed, s.Failed, s.Skipped)
	}
	return tw.Flush()
}

func printResult(w io.Writer, res *fleetup.Result) {
	fmt.Fprintf(w, "Upgrade %s: %s in %s\n", res.UpgradeID, res.Status, res.Duration.Round(time.Millisecond))
	if len(res.Components) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tFROM\tTO\tDETAIL")
	for _, c := range res.Components {
		detail := c.Reason
		if c.Err != nil {
			detail = c.Err.Error()
		}
		if c.RollbackErr != nil {
			detail += "; rollback failed: " + c.RollbackErr.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Component, c.Status, dash(c.From), dash(c.To), detail)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report *fleetup.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ph := range report.Phases {
		fmt.Fprintf(tw, "Phase %s (risk %s, concurrency %d)\n", ph.Name, ph.Risk, ph.Concurrency)
		for _, c := range ph.Components {
			detail := c.Reason
			switch c.Action {
			case fleetup.ActionUpgrade:
				detail = strings.Join(c.Hops, " -> ")
				if !c.Backup {
					detail += " (no backup)"
				}
			case fleetup.ActionError:
				detail = c.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", c.Name, c.Action, dash(c.Installed), detail)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	upgrade, skip, failed := report.Counts()
	_, err := fmt.Fprintf(w, "%d to upgrade, %d to skip, %d could not be evaluated\n", upgrade, skip, failed)
	return err
}

func printSession(w io.Writer, sess *state.Session) {
	if sess.Status == state.StatusIdle {
		fmt.Fprintln(w, "No upgrade session")
		return
	}
	fmt.Fprintf(w, "Upgrade %s: %s (mode %s)\n", sess.UpgradeID, sess.Status, sess.Mode)
	if sess.StartedAt != nil {
		fmt.Fprintf(w, "Started:  %s\n", formatTime(*sess.StartedAt))
	}
	if sess.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", formatTime(*sess.CompletedAt))
	}
	if sess.CurrentComponent != nil {
		fmt.Fprintf(w, "Current:  %s\n", *sess.CurrentComponent)
	}

	names := make([]string, 0, len(sess.Components))
	for name := range sess.Components {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tFROM\tTO\tATTEMPTS\tROLLBACK\tDETAIL")
	for _, name := range names {
		cs := sess.Components[name]
		detail := cs.SkipReason
		if cs.Error != nil {
			detail = *cs.Error
		}
		if cs.Status == state.ComponentInProgress {
			detail = "step " + string(cs.Step)
		}
		rollback := "no"
		switch {
		case cs.RolledBackAt != nil:
			rollback = "done"
		case cs.RollbackAvailable:
			rollback = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			name, cs.Status, dash(cs.FromVersion), dash(cs.ToVersion), cs.Attempts, rollback, detail)
	}
	_ = tw.Flush()

	for _, e := range sess.Errors {
		fmt.Fprintf(w, "error %s %s: %s\n", formatTime(e.Timestamp), dash(e.Component), e.Message)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
