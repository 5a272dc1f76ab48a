// Command rssnews-pipeline is the article ingestion pipeline service.
//
// Subcommands cover the full operational surface: `worker` runs the task
// pool with the scheduler and admin endpoint, `process-articles` drains
// the backlog in the foreground, `migrate` manages the schema, and
// `status`/`health-check` support operations. When SERVICE_MODE is set
// and no subcommand is given, the binary starts in that mode, which fits
// container deployments where arguments are awkward to inject.
package main

import (
	"os"

	"github.com/langgraphsystem/rssnews-sub002/cli"
	"github.com/langgraphsystem/rssnews-sub002/common"
)

func main() {
	if mode := os.Getenv("SERVICE_MODE"); mode != "" && len(os.Args) == 1 {
		os.Args = append(os.Args, mode)
	}

	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
