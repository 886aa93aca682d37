package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/hordetrack/internal/store"
)

func newMigrateCmd(st *state) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.RunMigrations(st.cfg.Database.URL, dir); err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion(st.cfg.Database.URL, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "migrations directory")
	return cmd
}
