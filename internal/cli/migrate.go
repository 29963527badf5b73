package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/server"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(core *server.Core, cfg *config.Config) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", core.DB.Driver())
			return nil
		})
	},
}
