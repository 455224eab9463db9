package commands

import (
	"fmt"

	"github.com/harunnryd/ranya-stt/pkg/runner"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "ranya-stt", runner.Version)
		return err
	},
}
