package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

var (
	migrateRevision int64
	migrateSQLOnly  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateRevision, "revision", 0,
		"migrate up to this revision (0 = latest)")
	migrateCmd.Flags().BoolVar(&migrateSQLOnly, "sql", false,
		"print the migration SQL instead of applying it")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if migrateSQLOnly {
		sql, err := db.MigrationSQL()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sql)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := db.Migrate(cfg.Database.DSN, migrateRevision); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
