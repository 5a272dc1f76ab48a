package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe dependencies and exit 0 (healthy), 1 (degraded), or 2 (unhealthy)",
	RunE:  runHealthCheck,
}

func runHealthCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		os.Exit(2)
	}

	svc, err := openServices(cmd.Context(), cfg)
	if err != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		_ = enc.Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		os.Exit(2)
	}
	defer svc.Close()

	rt := buildRuntime(svc)
	report := rt.checker.Check(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		os.Exit(2)
	}
	os.Exit(report.ExitCode())
	return nil
}
