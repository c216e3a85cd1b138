package cmd

import (
	"github.com/spf13/cobra"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Migrate(cmd.Context()); err != nil {
				return err
			}
			appInstance.GetLogger().Info("schema is up to date")
			return nil
		},
	}
}
