package cli

import (
	"fmt"

	"github.com/gkobilansky/goatlab/internal/config"
	"github.com/gkobilansky/goatlab/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app carries the state shared by every command of one invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCmd builds the goatlab command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "goatlab",
		Short: "goatlab - self-hosted experimentation and statistical analysis",
		Long: `goatlab runs A/B tests, multivariate tests and feature flags.

It assigns subjects to variants deterministically, records exposures and
conversions, and analyzes results with significance tests, confidence
intervals and data-quality checks.

Settings come from flags, GOATLAB_* environment variables or a
.goatlab.yaml file in the working or home directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to config file")
	flags.String("db-backend", config.BackendSQLite, "storage backend: sqlite, postgres, mysql, badger or memory")
	flags.String("db", config.DefaultDB, "database path or connection string")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "console", "log format: console or json")
	if err := a.v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("failed to bind root flags: %v", err))
	}

	rootCmd.AddCommand(
		a.newServeCmd(),
		a.newExperimentCmd(),
		a.newFlagCmd(),
		a.newExportCmd(),
		a.newMigrateCmd(),
		a.newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) setup() error {
	config.Setup(a.v, a.v.GetString("config"))
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// bindFlags exposes command flags as config keys.
func (a *app) bindFlags(cmd *cobra.Command) {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("failed to bind %s flags: %v", cmd.Name(), err))
	}
}
