package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/langgraphsystem/rssnews-sub002/version"
)

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	RunE:  runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionVerbose, "verbose", false,
		"include Go version and linked dependencies")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	if !versionVerbose {
		fmt.Fprintln(cmd.OutOrStdout(), version.Short())
		return nil
	}
	data, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
