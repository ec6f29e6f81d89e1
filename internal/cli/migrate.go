package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/schema"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the export tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := schema.Migrate(cmd.Context(), a.db); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}
