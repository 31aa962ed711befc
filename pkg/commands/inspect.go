package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/index"
)

type InspectOptions struct {
	File string
}

var inspectOpts = &InspectOptions{}

var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the trailing index superblock of an indexed archive",
	RunE:  runInspect,
}

func init() {
	InspectCmd.Flags().StringVarP(&inspectOpts.File, "file", "f", "", "Indexed archive to inspect")
	InspectCmd.MarkFlagRequired("file")
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(inspectOpts.File)
	if err != nil {
		return err
	}
	defer f.Close()

	sb, err := index.ReadSuperblock(f)
	if err != nil {
		return err
	}

	st, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("archive size:       %d\n", st.Size())
	fmt.Printf("tar contents size:  %d\n", sb.InodeTableOffset)
	fmt.Printf("index size:         %d\n", st.Size()-int64(sb.InodeTableOffset))
	fmt.Printf("inode count:        %d\n", sb.InodeCount)
	return nil
}
