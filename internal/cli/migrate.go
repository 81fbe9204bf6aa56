package cli

import (
	"fmt"

	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/spf13/cobra"
)

func (a *app) newMigrateCmd() *cobra.Command {
	var (
		target int
		status bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the SQL schema",
		Long: `Migrate the SQL backend schema. Without flags the database is brought to
the latest version; commands that open the database do this automatically.

Examples:
  goatlab migrate --status
  goatlab migrate --db-backend postgres --db "postgres://localhost/goatlab"
  goatlab migrate --to 0   # roll back everything`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dialect, err := store.ParseDialect(a.cfg.Backend)
			if err != nil {
				return fmt.Errorf("migrate only applies to SQL backends: %w", err)
			}
			out := cmd.OutOrStdout()

			if !status {
				if err := store.Migrate(dialect, a.cfg.DSN, target); err != nil {
					return err
				}
			}

			version, dirty, err := store.MigrationVersion(dialect, a.cfg.DSN)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			state := "clean"
			if dirty {
				state = badColor.Sprint("dirty")
			}
			fmt.Fprintf(out, "%s schema version %d (%s)\n", dialect, version, state)
			return nil
		},
	}

	cmd.Flags().IntVar(&target, "to", -1, "target version; -1 for latest, 0 to roll back all")
	cmd.Flags().BoolVar(&status, "status", false, "only print the current version")
	return cmd
}
