package cli

import (
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/langgraphsystem/rssnews-sub002/config"
)

var persistDescription string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and version the pipeline configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE:  runConfigShow,
}

var configPersistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Store the effective configuration as a new active version",
	RunE:  runConfigPersist,
}

func init() {
	configPersistCmd.Flags().StringVar(&persistDescription, "description", "",
		"description stored with the new version")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPersistCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigPersist(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := openServices(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	createdBy := cfg.WorkerID
	if u, err := user.Current(); err == nil {
		createdBy = u.Username
	}

	store := config.NewService(svc.gorm, configName, cfg)
	if err := store.Persist(cmd.Context(), createdBy, persistDescription); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration persisted")
	return nil
}
