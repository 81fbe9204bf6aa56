package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/export"
	"github.com/spf13/cobra"
)

func (a *app) newExportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <experiment-id>",
		Short: "Export raw event data",
		Long: `Export the raw assignment, exposure and conversion events of an
experiment in CSV, JSON or Parquet format.

Examples:
  goatlab export checkout --format csv > checkout.csv
  goatlab export checkout --format json > checkout.json
  goatlab export checkout --format parquet -o checkout.parquet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			if f == export.FormatParquet && output == "" {
				return fmt.Errorf("parquet output needs a file: use -o <path>")
			}

			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Events(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}
				if events == nil {
					exp, err := e.GetExperiment(ctx, args[0])
					if err != nil {
						return fmt.Errorf("failed to get experiment: %w", err)
					}
					if exp == nil {
						return fmt.Errorf("experiment '%s' not found", args[0])
					}
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					file, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create output file: %w", err)
					}
					defer func() { _ = file.Close() }()
					w = file
				}
				if err := export.Write(w, f, events); err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d events to %s\n", len(events), output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", export.FormatCSV, "output format: csv, json or parquet")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
