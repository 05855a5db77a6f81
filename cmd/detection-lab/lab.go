package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"detection-lab/internal/config"
	"detection-lab/internal/coordinator"
	"detection-lab/internal/lab"
)

func newLabCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Provision, simulate and evaluate the lab",
	}
	cmd.AddCommand(newLabUpCmd(g), newLabDownCmd(g), newLabSimulateCmd(g), newLabEvaluateCmd(g))
	return cmd
}

// withApp builds the components for one command and releases them after fn.
func withApp(ctx context.Context, g *globals, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, g.cfg, g.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			g.logger.Warn("component shutdown error", "error", err)
		}
	}()
	return fn(ctx, a)
}

func newLabUpCmd(g *globals) *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision the lab infrastructure for a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if err := a.lab.Initialize(ctx, scenario); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "lab ready for scenario %s\n", scenario)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "ec2-brute-force", "scenario to provision")
	return cmd
}

func newLabDownCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Destroy the lab infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if err := a.lab.Cleanup(ctx, force); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "lab destroyed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also remove local state")
	return cmd
}

// simulateFlags are the flags of lab simulate. Zero values fall back to
// the simulation defaults.
type simulateFlags struct {
	techniques []string
	scenario   string
	timeout    time.Duration
	users      int
	maxTasks   int
	maxActions int
	init       bool
	follow     bool
}

func (f simulateFlags) request(defaults config.SimulationConfig) coordinator.Request {
	req := coordinator.Request{
		TechniqueIDs: f.techniques,
		ScenarioID:   f.scenario,
		Timeout:      int(defaults.Timeout.Seconds()),
		UserCount:    defaults.UserCount,
		MaxTasks:     defaults.MaxTasks,
		MaxActions:   defaults.MaxActions,
	}
	if f.timeout > 0 {
		req.Timeout = int(f.timeout.Seconds())
	}
	if f.users > 0 {
		req.UserCount = f.users
	}
	if f.maxTasks > 0 {
		req.MaxTasks = f.maxTasks
	}
	if f.maxActions > 0 {
		req.MaxActions = f.maxActions
	}
	return req
}

func newLabSimulateCmd(g *globals) *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulation job and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(f.techniques) == 0 && f.scenario == "" {
				return fmt.Errorf("one of --technique or --scenario is required")
			}
			if f.init && f.scenario == "" {
				return fmt.Errorf("--init requires --scenario")
			}
			req := f.request(g.cfg.Simulation)
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if f.follow {
					req.UUID = uuid.NewString()
					sub := a.hub.Subscribe(req.UUID, g.cfg.Events.SubscriberBuffer)
					defer sub.Close()
					go func() {
						for entry := range sub.C {
							fmt.Fprintf(os.Stderr, "%s %-10s %-16s %s\n", entry.Time, entry.Tag, entry.UserName, strings.TrimSpace(string(entry.Thought)))
						}
					}()
				}

				var (
					job coordinator.Job
					err error
				)
				if f.init {
					job, err = a.lab.Run(ctx, f.scenario, req)
				} else {
					job, err = a.lab.Simulate(ctx, req)
				}
				if job.ID != "" {
					if g.jsonOutput {
						printJSON(os.Stdout, job)
					} else {
						renderJob(os.Stdout, job)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.techniques, "technique", nil, "ATT&CK technique id (repeatable)")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "scenario id")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-technique timeout")
	cmd.Flags().IntVar(&f.users, "users", 0, "normal users per stage")
	cmd.Flags().IntVar(&f.maxTasks, "max-tasks", 0, "tasks per agent")
	cmd.Flags().IntVar(&f.maxActions, "max-actions", 0, "actions per task")
	cmd.Flags().BoolVar(&f.init, "init", false, "provision the scenario first and retry failed steps")
	cmd.Flags().BoolVar(&f.follow, "follow", false, "stream thought logs to stderr")
	return cmd
}

// evaluationWindow resolves --start/--end, falling back to now +/- buffer
// for whichever bound is missing.
func evaluationWindow(now time.Time, start, end string, buffer time.Duration) (time.Time, time.Time, error) {
	from, to := now.Add(-buffer), now.Add(buffer)
	var err error
	if start != "" {
		if from, err = time.Parse(time.RFC3339, start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if end != "" {
		if to, err = time.Parse(time.RFC3339, end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %s is not after start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return from.UTC(), to.UTC(), nil
}

func newLabEvaluateCmd(g *globals) *cobra.Command {
	var (
		start, end string
		buffer     time.Duration
		req        lab.EvaluateRequest
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score SIEM alerts against the lab's CloudTrail logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if buffer <= 0 {
				buffer = g.cfg.Server.LabBuffer
			}
			var err error
			if req.Start, req.End, err = evaluationWindow(time.Now(), start, end, buffer); err != nil {
				return err
			}
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				res, err := a.lab.Evaluate(ctx, req)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return printJSON(os.Stdout, res)
				}
				renderResults(os.Stdout, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339)")
	cmd.Flags().DurationVar(&buffer, "buffer", 0, "half-width of the window around now when --start or --end is omitted")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "AWS account id")
	cmd.Flags().StringVar(&req.Bucket, "bucket", "", "trail bucket")
	cmd.Flags().StringSliceVar(&req.Regions, "region", nil, "trail regions (repeatable)")
	cmd.Flags().BoolVar(&req.Triage, "triage", false, "write the correlated logs and alerts for triage")
	return cmd
}
