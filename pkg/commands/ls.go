package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/common"
	"github.com/beam-cloud/tardex/pkg/snapshot"
	"github.com/beam-cloud/tardex/pkg/store"
)

type LsOptions struct {
	Root string
}

var lsOpts = &LsOptions{}

var LsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the snapshots in a store",
	RunE:  runLs,
}

func init() {
	LsCmd.Flags().StringVarP(&lsOpts.Root, "root", "r", "", "Snapshot store root directory")
	LsCmd.MarkFlagRequired("root")
}

func runLs(cmd *cobra.Command, args []string) error {
	st, err := store.NewStore(store.Config{Root: lsOpts.Root})
	if err != nil {
		return err
	}
	defer st.Close()

	snapshotter := snapshot.NewSnapshotter(st)

	fmt.Printf("%-10s %-14s %s\n", "KIND", "PARENT", "NAME")
	return snapshotter.Walk(cmd.Context(), func(ctx context.Context, info common.Info) error {
		parent := info.Parent
		if parent == "" {
			parent = "-"
		}
		fmt.Printf("%-10s %-14.14s %s\n", info.Kind, parent, info.Name)
		return nil
	})
}
