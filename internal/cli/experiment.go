package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage experiments",
	}
	cmd.AddCommand(
		a.newExperimentCreateCmd(),
		a.newExperimentListCmd(),
		a.newExperimentShowCmd(),
		a.newTransitionCmd("start", "Start a draft experiment", (*engine.Engine).StartExperiment),
		a.newTransitionCmd("pause", "Pause a running experiment", (*engine.Engine).PauseExperiment),
		a.newTransitionCmd("resume", "Resume a paused experiment", (*engine.Engine).ResumeExperiment),
		a.newExperimentStopCmd(),
		a.newResultsCmd(),
		a.newAssignCmd(),
		a.newOverrideCmd(),
		a.newChecklistCmd(),
		a.newSampleSizeCmd(),
	)
	return cmd
}

func (a *app) newExperimentCreateCmd() *cobra.Command {
	var (
		file       string
		name       string
		variants   string
		goal       string
		hypothesis string
		traffic    float64
		baseline   float64
		mde        float64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft experiment",
		Long: `Create a draft experiment from a YAML definition, from flags, or
interactively when neither is given.

Examples:
  goatlab experiment create -f checkout.yaml
  goatlab experiment create --name "Checkout button" --variants "control,green" --goal purchase
  goatlab experiment create --name hero --variants "A,B,C" --goal signup --baseline 0.1 --mde 0.2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				exp *store.Experiment
				err error
			)
			switch {
			case file != "":
				exp, err = readExperimentFile(file)
			case name != "":
				exp, err = experimentFromFlags(name, hypothesis, variants, goal, traffic)
			default:
				exp, err = promptExperiment(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if baseline > 0 {
				exp.SampleSizeCalculation = &store.SampleSizeCalculation{BaselineRate: baseline, MinimumDetectableEffect: mde}
			}

			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateExperiment(ctx, exp)
				if err != nil {
					return describeErr("create experiment", err)
				}
				printCreated(cmd.OutOrStdout(), created)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML experiment definition")
	cmd.Flags().StringVar(&name, "name", "", "experiment name")
	cmd.Flags().StringVarP(&variants, "variants", "v", "control,treatment", "comma-separated variant names; the first is the control")
	cmd.Flags().StringVar(&goal, "goal", "", "event name of the primary conversion goal")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "what the experiment is expected to show")
	cmd.Flags().Float64Var(&traffic, "traffic", 100, "percentage of subjects entering the experiment")
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline conversion rate for sample size planning")
	cmd.Flags().Float64Var(&mde, "mde", 0, "relative minimum detectable effect for sample size planning")
	return cmd
}

func readExperimentFile(path string) (*store.Experiment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open experiment file: %w", err)
	}
	defer f.Close()

	var exp store.Experiment
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&exp); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &exp, nil
}

// experimentFromFlags splits traffic evenly across the named variants.
func experimentFromFlags(name, hypothesis, variants, goal string, traffic float64) (*store.Experiment, error) {
	names := splitList(variants)
	if len(names) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"control,treatment\"")
	}

	exp := &store.Experiment{
		Name:              name,
		Hypothesis:        hypothesis,
		TrafficAllocation: store.TrafficAllocation{Percentage: traffic},
	}
	if len(names) > 2 {
		exp.Type = store.TypeMultivariate
	}
	share := 100 / float64(len(names))
	for i, n := range names {
		exp.Variants = append(exp.Variants, store.Variant{
			ID:                slug(n),
			Name:              n,
			IsControl:         i == 0,
			TrafficPercentage: share,
		})
	}
	if goal != "" {
		exp.Goals = []store.Goal{{ID: slug(goal), Name: goal, EventName: goal, IsPrimary: true}}
	}
	return exp, nil
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

func printCreated(w io.Writer, exp *store.Experiment) {
	fmt.Fprintf(w, "Created experiment '%s' (%s) with %d variants:\n", exp.Name, exp.ID, len(exp.Variants))
	for _, v := range exp.Variants {
		marker := ""
		if v.IsControl {
			marker = " (control)"
		}
		fmt.Fprintf(w, "  %s: %s %.1f%%%s\n", v.ID, v.Name, v.TrafficPercentage, marker)
	}
	if calc := exp.SampleSizeCalculation; calc != nil && calc.PerVariant > 0 {
		fmt.Fprintf(w, "Sample size: %s per variant, %s total, about %d days\n",
			formatNumber(calc.PerVariant), formatNumber(calc.Total), calc.EstimatedDurationDays)
	}
	fmt.Fprintf(w, "\nStart it with: goatlab experiment start %s\n", exp.ID)
}

func statusLabel(s store.ExperimentStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case store.StatusRunning:
		return goodColor.Sprint(label)
	case store.StatusPaused:
		return warnColor.Sprint(label)
	case store.StatusCompleted:
		return dimColor.Sprint(label)
	default:
		return label
	}
}

func (a *app) newExperimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exps, err := e.ListExperiments(ctx)
				if err != nil {
					return fmt.Errorf("failed to list experiments: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(exps) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with: goatlab experiment create")
					return nil
				}

				table := tablewriter.NewWriter(out)
				table.Header([]string{"ID", "Name", "Type", "Status", "Variants", "Created"})
				var data [][]string
				for _, exp := range exps {
					data = append(data, []string{
						exp.ID,
						exp.Name,
						string(exp.Type),
						statusLabel(exp.Status),
						fmt.Sprintf("%d", len(exp.Variants)),
						exp.CreatedAt.Format("2006-01-02"),
					})
				}
				if err := table.Bulk(data); err != nil {
					return err
				}
				return table.Render()
			})
		},
	}
}

func (a *app) newExperimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experiment definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := e.GetExperiment(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get experiment: %w", err)
				}
				if exp == nil {
					return fmt.Errorf("experiment '%s' not found", args[0])
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# status: %s\n", exp.Status)
				if exp.StartedAt != nil {
					fmt.Fprintf(out, "# started: %s\n", exp.StartedAt.Format("2006-01-02 15:04"))
				}
				if exp.EndedAt != nil {
					fmt.Fprintf(out, "# ended: %s (%s)\n", exp.EndedAt.Format("2006-01-02 15:04"), exp.StopReason)
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(exp); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

type transitionFunc func(*engine.Engine, context.Context, string) (*store.Experiment, error)

func (a *app) newTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := fn(e, ctx, args[0])
				if err != nil {
					return describeErr(use+" experiment", err)
				}
				if exp == nil {
					return fmt.Errorf("experiment '%s' not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now %s\n", exp.ID, statusLabel(exp.Status))
				return nil
			})
		},
	}
}

func (a *app) newExperimentStopCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop an experiment and save its final results",
		Long: `Stop a running or paused experiment. The experiment is marked as
completed, stops accepting events, and its final results are saved.

Example:
  goatlab experiment stop checkout --reason "treatment wins"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := e.StopExperiment(ctx, args[0], reason)
				if exp == nil && err == nil {
					return fmt.Errorf("experiment '%s' not found", args[0])
				}
				if err != nil && exp == nil {
					return describeErr("stop experiment", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Experiment '%s' is now %s\n", exp.ID, statusLabel(exp.Status))
				if err != nil {
					fmt.Fprintln(out, warnColor.Sprintf("Warning: final results were not saved: %v", err))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the experiment was stopped")
	return cmd
}

func (a *app) newAssignCmd() *cobra.Command {
	var attrs map[string]string

	cmd := &cobra.Command{
		Use:   "assign <id> <subject>",
		Short: "Get or create a subject's variant assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				asg, err := e.GetVariantAssignment(ctx, args[0], args[1], attrs)
				if err != nil {
					return describeErr("assign subject", err)
				}
				out := cmd.OutOrStdout()
				if asg == nil {
					fmt.Fprintf(out, "Subject '%s' is not in experiment '%s'\n", args[1], args[0])
					return nil
				}
				fmt.Fprintf(out, "%s -> %s (%s)\n", asg.SubjectID, asg.VariantID, asg.Method)
				return nil
			})
		},
	}

	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "subject attributes as key=value")
	return cmd
}

func (a *app) newOverrideCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "override <id> <subject> <variant>",
		Short: "Pin a subject to a variant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				asg, err := e.OverrideVariantAssignment(ctx, args[0], args[1], args[2], reason)
				if err != nil {
					return describeErr("override assignment", err)
				}
				if asg == nil {
					return fmt.Errorf("experiment '%s' not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (override)\n", asg.SubjectID, asg.VariantID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the subject is pinned")
	return cmd
}

func (a *app) newChecklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id> <item>",
		Short: "Mark a pre-test checklist item as completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := e.CompleteChecklistItem(ctx, args[0], args[1])
				if err != nil {
					return describeErr("complete checklist item", err)
				}
				out := cmd.OutOrStdout()
				for _, item := range exp.PreTestChecklist {
					mark := "[ ]"
					if item.Completed {
						mark = goodColor.Sprint("[x]")
					}
					fmt.Fprintf(out, "%s %s %s\n", mark, item.ID, item.Description)
				}
				return nil
			})
		},
	}
}

func (a *app) newSampleSizeCmd() *cobra.Command {
	var in stats.SampleSizeInput

	cmd := &cobra.Command{
		Use:   "sample-size",
		Short: "Plan the sample size of a two-proportion test",
		Long: `Compute the subjects needed per variant to detect a relative lift.

Example:
  goatlab experiment sample-size --baseline 0.10 --mde 0.10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := engine.New(store.NewMemoryStore(), engine.Options{Defaults: &a.cfg.Defaults})
			res, err := e.CalculateSampleSize(in)
			if err != nil {
				return describeErr("calculate sample size", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Per variant: %s\n", formatNumber(res.PerVariant))
			fmt.Fprintf(out, "Total:       %s\n", formatNumber(res.Total))
			fmt.Fprintf(out, "Duration:    %d days\n", res.EstimatedDurationDays)
			return nil
		},
	}

	cmd.Flags().Float64Var(&in.BaselineRate, "baseline", 0, "baseline conversion rate (required)")
	cmd.Flags().Float64Var(&in.MinimumDetectableEffect, "mde", 0, "relative minimum detectable effect (required)")
	cmd.Flags().Float64Var(&in.SignificanceLevel, "alpha", 0, "significance level (default from config)")
	cmd.Flags().Float64Var(&in.Power, "power", 0, "statistical power (default from config)")
	cmd.Flags().IntVar(&in.Variants, "variants", 2, "number of variants")
	cmd.Flags().IntVar(&in.DailyTraffic, "daily-traffic", 0, "subjects per day (default from config)")
	_ = cmd.MarkFlagRequired("baseline")
	_ = cmd.MarkFlagRequired("mde")
	return cmd
}
