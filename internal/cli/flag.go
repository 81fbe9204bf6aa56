package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) newFlagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Manage feature flags",
	}
	cmd.AddCommand(
		a.newFlagCreateCmd(),
		a.newFlagListCmd(),
		a.newFlagEvalCmd(),
		a.newFlagRolloutCmd(),
		a.newFlagStatusCmd(),
	)
	return cmd
}

func (a *app) newFlagCreateCmd() *cobra.Command {
	var (
		file       string
		key        string
		variations string
		def        string
		rollout    float64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a feature flag",
		Long: `Create a feature flag from a YAML definition or from flags.

Variation values are parsed as YAML scalars, so true, 42 and "blue"
become a boolean, a number and a string.

Examples:
  goatlab flag create -f new-nav.yaml
  goatlab flag create --key new-nav --variations "on=true,off=false" --default off --rollout 25`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				f   *store.FeatureFlag
				err error
			)
			if file != "" {
				f, err = readFlagFile(file)
			} else {
				f, err = flagFromFlags(key, variations, def, rollout)
			}
			if err != nil {
				return err
			}

			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateFeatureFlag(ctx, f)
				if err != nil {
					return describeErr("create flag", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created flag '%s' (%s) at %.0f%% rollout, default '%s'\n",
					created.Key, created.ID, created.RolloutPercentage, created.DefaultVariation)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML flag definition")
	cmd.Flags().StringVar(&key, "key", "", "flag key")
	cmd.Flags().StringVar(&variations, "variations", "on=true,off=false", "comma-separated key=value variations")
	cmd.Flags().StringVar(&def, "default", "off", "default variation key")
	cmd.Flags().Float64Var(&rollout, "rollout", 0, "rollout percentage")
	return cmd
}

func readFlagFile(path string) (*store.FeatureFlag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flag file: %w", err)
	}
	var f store.FeatureFlag
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

func flagFromFlags(key, variations, def string, rollout float64) (*store.FeatureFlag, error) {
	if key == "" {
		return nil, fmt.Errorf("--key or --file is required")
	}
	f := &store.FeatureFlag{Key: key, DefaultVariation: def, RolloutPercentage: rollout}
	for _, pair := range splitList(variations) {
		k, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("variation %q must be key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("variation %q has an invalid value: %w", k, err)
		}
		f.Variations = append(f.Variations, store.Variation{Key: strings.TrimSpace(k), Value: value})
	}
	return f, nil
}

func (a *app) newFlagListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all feature flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.ListFeatureFlags(ctx)
				if err != nil {
					return fmt.Errorf("failed to list flags: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No feature flags yet.")
					return nil
				}

				table := tablewriter.NewWriter(out)
				table.Header([]string{"ID", "Key", "Status", "Rollout", "Default", "Rules"})
				var data [][]string
				for _, f := range list {
					status := strings.ToUpper(string(f.Status))
					if f.Status == store.FlagActive {
						status = goodColor.Sprint(status)
					} else {
						status = dimColor.Sprint(status)
					}
					data = append(data, []string{
						f.ID,
						f.Key,
						status,
						strconv.FormatFloat(f.RolloutPercentage, 'f', -1, 64) + "%",
						f.DefaultVariation,
						strconv.Itoa(len(f.Rules)),
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

func (a *app) newFlagEvalCmd() *cobra.Command {
	var (
		subject string
		attrs   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "eval <key>",
		Short: "Evaluate a flag for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ev, err := e.GetFeatureFlagValue(ctx, args[0], subject, attrs)
				if err != nil {
					return describeErr("evaluate flag", err)
				}
				variation := ev.Variation
				if variation == "" {
					variation = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v (variation %s, reason %s)\n", ev.Key, ev.Value, variation, ev.Reason)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject id used for rollout bucketing")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "subject attributes as key=value")
	return cmd
}

// lookupFlag resolves an id or key.
func lookupFlag(ctx context.Context, e *engine.Engine, idOrKey string) (*store.FeatureFlag, error) {
	f, err := e.GetFeatureFlag(ctx, idOrKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get flag: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("flag '%s' not found", idOrKey)
	}
	return f, nil
}

func (a *app) newFlagRolloutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollout <id|key> <percentage>",
		Short: "Change a flag's rollout percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(strings.TrimSuffix(args[1], "%"), 64)
			if err != nil {
				return fmt.Errorf("invalid percentage: %s", args[1])
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f, err := lookupFlag(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.UpdateFeatureFlagRollout(ctx, f.ID, pct)
				if err != nil {
					return describeErr("update rollout", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flag '%s' now rolled out to %.1f%%\n", updated.Key, updated.RolloutPercentage)
				return nil
			})
		},
	}
}

func (a *app) newFlagStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status <id|key> <active|inactive>",
		Short:     "Activate or deactivate a flag",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(store.FlagActive), string(store.FlagInactive)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f, err := lookupFlag(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.SetFeatureFlagStatus(ctx, f.ID, store.FlagStatus(args[1]))
				if err != nil {
					return describeErr("set flag status", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flag '%s' is now %s\n", updated.Key, updated.Status)
				return nil
			})
		},
	}
}
