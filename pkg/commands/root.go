package commands

import (
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/common"
)

var logLevel string

var RootCmd = &cobra.Command{
	Use:          "tardexctl",
	Short:        "Manage indexed tar layers and snapshot stores",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return common.SetLogLevel(logLevel)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, disabled)")

	RootCmd.AddCommand(IndexCmd)
	RootCmd.AddCommand(InspectCmd)
	RootCmd.AddCommand(PullCmd)
	RootCmd.AddCommand(LsCmd)
	RootCmd.AddCommand(RmCmd)
}
