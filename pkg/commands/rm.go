package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/snapshot"
	"github.com/beam-cloud/tardex/pkg/store"
)

type RmOptions struct {
	Root string
	Key  string
}

var rmOpts = &RmOptions{}

var RmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Remove a snapshot and its backing layer file",
	RunE:  runRm,
}

func init() {
	RmCmd.Flags().StringVarP(&rmOpts.Root, "root", "r", "", "Snapshot store root directory")
	RmCmd.Flags().StringVarP(&rmOpts.Key, "key", "k", "", "Snapshot key to remove")
	RmCmd.MarkFlagRequired("root")
	RmCmd.MarkFlagRequired("key")
}

func runRm(cmd *cobra.Command, args []string) error {
	st, err := store.NewStore(store.Config{Root: rmOpts.Root})
	if err != nil {
		return err
	}
	defer st.Close()

	snapshotter := snapshot.NewSnapshotter(st)
	if err := snapshotter.Remove(cmd.Context(), rmOpts.Key); err != nil {
		return err
	}

	log.Info().Str("key", rmOpts.Key).Msg("snapshot removed")
	return nil
}
