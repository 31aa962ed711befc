package commands

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/index"
)

type IndexOptions struct {
	File string
}

var indexOpts = &IndexOptions{}

var IndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Append a random-access index to a tar archive in place",
	RunE:  runIndex,
}

func init() {
	IndexCmd.Flags().StringVarP(&indexOpts.File, "file", "f", "", "Tar archive to index")
	IndexCmd.MarkFlagRequired("file")
}

func runIndex(cmd *cobra.Command, args []string) error {
	f, err := os.OpenFile(indexOpts.File, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := index.AppendIndex(f); err != nil {
		return err
	}

	log.Info().Str("file", indexOpts.File).Msg("index appended")
	return nil
}
