package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) newTokenCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the admin API token of the running server",
		Long: `Show the admin API token written by 'goatlab serve'.

Use this when you've scrolled past the startup message or need to
call the admin API from a script.

Example:
  curl -H "Authorization: Bearer $(goatlab token -q)" localhost:8080/admin/api/experiments`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(a.tokenFilePath())
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running. Start with: goatlab serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: goatlab serve")
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, token)
				return nil
			}
			fmt.Fprintf(out, "Admin API token: %s\n", token)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Send it as 'Authorization: Bearer <token>' or ?token=<token>.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the token")
	return cmd
}
