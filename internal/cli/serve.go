package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gkobilansky/goatlab/internal/config"
	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/server"
	"github.com/spf13/cobra"
)

const tokenFileName = ".goatlab-token"

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the goatlab HTTP server.

The server provides:
  - Assignment and feature flag endpoints for clients
  - Beacon endpoint for exposures and conversions
  - Token-protected admin API for experiments and flags
  - Prometheus metrics and a health check

Example:
  goatlab serve --port 8080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				srv := server.New(e, server.Options{
					Port:      a.cfg.Port,
					Token:     a.cfg.Token,
					TokenFile: a.tokenFilePath(),
					Logger:    a.logger.Named("server"),
				})

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "goatlab running on http://localhost:%d\n", a.cfg.Port)
				fmt.Fprintf(out, "Admin API token: %s\n", srv.Token())
				fmt.Fprintln(out, "Press Ctrl+C to stop")

				return srv.Start(ctx)
			})
		},
	}

	cmd.Flags().IntP("port", "p", config.DefaultPort, "port to listen on")
	cmd.Flags().String("token", "", "admin API token (random when empty)")
	a.bindFlags(cmd)
	return cmd
}

// tokenFilePath returns the token file location, next to the database for
// file backends and in the working directory otherwise.
func (a *app) tokenFilePath() string {
	switch a.cfg.Backend {
	case config.BackendSQLite, config.BackendBadger:
		return filepath.Join(filepath.Dir(a.cfg.DSN), tokenFileName)
	default:
		return tokenFileName
	}
}
