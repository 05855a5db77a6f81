package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"detection-lab/internal/lab"
	"detection-lab/internal/optimizer"
)

var errNoSIEM = fmt.Errorf("%w: siem client", lab.ErrNotConfigured)

func newRulesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect SIEM detection rules",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if a.siem == nil {
					return errNoSIEM
				}
				rules, err := a.siem.ListRules(ctx)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return printJSON(os.Stdout, rules)
				}
				renderRules(os.Stdout, rules)
				return nil
			})
		},
	}
	get := &cobra.Command{
		Use:   "get <rule-id>",
		Short: "Print one detection rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if a.siem == nil {
					return errNoSIEM
				}
				rule, err := a.siem.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, rule)
			})
		},
	}
	cmd.AddCommand(list, get)
	return cmd
}

func newOptimizeCmd(g *globals) *cobra.Command {
	var (
		strategy string
		apply    int
	)
	cmd := &cobra.Command{
		Use:   "optimize <rule-id>",
		Short: "Generate and back-test candidate rewrites of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := optimizer.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			ruleID := args[0]
			return withApp(cmd.Context(), g, func(ctx context.Context, a *app) error {
				if a.siem == nil || a.tuner == nil {
					return errNoSIEM
				}
				current, err := a.siem.GetRule(ctx, ruleID)
				if err != nil {
					return err
				}
				results, err := a.tuner.Optimize(ctx, ruleID, current.Rule, s)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					if err := printJSON(os.Stdout, results); err != nil {
						return err
					}
				} else {
					renderCandidates(os.Stdout, results)
				}

				if apply < 0 {
					return nil
				}
				candidate, err := pickCandidate(results, apply)
				if err != nil {
					return err
				}
				updated, err := a.siem.UpdateRule(ctx, ruleID, current.Rule.WithMutableFrom(candidate.RuleRec.Rule))
				if err != nil {
					return err
				}
				g.logger.Info("rule updated", "rule_id", updated.ID, "candidate", apply)
				fmt.Fprintf(os.Stderr, "applied candidate %d to rule %s\n", apply, updated.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(optimizer.StrategyUserSelect), "user_select or cherry_pick")
	cmd.Flags().IntVar(&apply, "apply", -1, "write candidate N back to the SIEM")
	return cmd
}

var errNoCandidate = errors.New("no such candidate")

func pickCandidate(results []optimizer.Result, i int) (optimizer.Result, error) {
	if i < 0 || i >= len(results) {
		return optimizer.Result{}, fmt.Errorf("%w: %d of %d", errNoCandidate, i, len(results))
	}
	return results[i], nil
}
