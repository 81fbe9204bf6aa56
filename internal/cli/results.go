package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/results"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
)

func (a *app) newResultsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long:  `Show conversion rates, confidence intervals, the significance test, data quality and recommendations.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.GetExperimentResults(ctx, args[0])
				if err != nil {
					return describeErr("compute results", err)
				}
				if res == nil {
					return fmt.Errorf("experiment '%s' not found", args[0])
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(res)
				}
				return printResults(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full results as JSON")
	return cmd
}

func printResults(w io.Writer, res *results.ExperimentResults) error {
	fmt.Fprintf(w, "EXPERIMENT: %s\n", res.ExperimentID)
	fmt.Fprintf(w, "STATUS: %s\n", strings.ToUpper(res.Status))
	if !res.DateRange.Start.IsZero() {
		fmt.Fprintf(w, "PERIOD: %s to %s\n", res.DateRange.Start.Format("2006-01-02"), res.DateRange.End.Format("2006-01-02"))
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Variant", "Subjects", "Conversions", "Rate", "95% CI", "Beat control"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	an := res.Analysis
	var data [][]string
	for _, v := range res.Variants {
		name := v.Name
		if v.IsControl {
			name += " (control)"
		}
		if v.VariantID == an.TreatmentVariantID && an.Significant {
			name += " <- LEADING"
		}
		ci := fmt.Sprintf("[%.1f%%, %.1f%%]", v.ConfidenceInterval.Lower*100, v.ConfidenceInterval.Upper*100)
		if v.SampleSize == 0 {
			ci = "N/A"
		}
		beat := "-"
		if !v.IsControl && v.SampleSize > 0 {
			beat = fmt.Sprintf("%.0f%%", v.ChanceToBeatControl*100)
		}
		data = append(data, []string{
			name,
			formatNumber(v.SampleSize),
			formatNumber(v.Conversions),
			formatPercent(v.ConversionRate),
			ci,
			beat,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	verdict := fmt.Sprintf("Not significant (p=%.4f, power %.0f%%)", an.PValue, an.Power*100)
	if an.Significant {
		text := fmt.Sprintf("Significant at alpha=%.2f: %s %+.1f%% vs control (p=%.4f)",
			an.SignificanceLevel, an.TreatmentVariantID, an.EffectSize*100, an.PValue)
		if an.EffectSize >= 0 {
			verdict = goodColor.Sprint(text)
		} else {
			verdict = badColor.Sprint(text)
		}
	}
	fmt.Fprintf(w, "Statistical significance: %s\n", verdict)

	dq := res.DataQuality
	score := fmt.Sprintf("%.2f", dq.QualityScore)
	if dq.QualityScore < 0.7 {
		score = warnColor.Sprint(score)
	}
	fmt.Fprintf(w, "Data quality score: %s\n", score)
	if dq.SampleRatioMismatch {
		fmt.Fprintln(w, badColor.Sprint("Sample ratio mismatch detected"))
	}
	for _, issue := range dq.Issues {
		fmt.Fprintf(w, "  ! %s\n", issue)
	}

	if len(res.Recommendations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recommendations:")
		for _, r := range res.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	return nil
}
