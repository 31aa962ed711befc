package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tardex/pkg/common"
	"github.com/beam-cloud/tardex/pkg/registry"
	"github.com/beam-cloud/tardex/pkg/snapshot"
	"github.com/beam-cloud/tardex/pkg/storage"
	"github.com/beam-cloud/tardex/pkg/store"
)

type PullOptions struct {
	Root         string
	Key          string
	Parent       string
	Image        string
	Digest       string
	MirrorBucket string
	MirrorRegion string
	MirrorPrefix string
}

var pullOpts = &PullOptions{}

var PullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Ingest one image layer into a snapshot store as a committed layer",
	RunE:  runPull,
}

func init() {
	PullCmd.Flags().StringVarP(&pullOpts.Root, "root", "r", "", "Snapshot store root directory")
	PullCmd.Flags().StringVarP(&pullOpts.Key, "key", "k", "", "Snapshot key for the new layer")
	PullCmd.Flags().StringVarP(&pullOpts.Parent, "parent", "p", "", "Parent snapshot key (optional)")
	PullCmd.Flags().StringVar(&pullOpts.Image, "image", "", "Image reference to pull from")
	PullCmd.Flags().StringVar(&pullOpts.Digest, "digest", "", "Layer digest to fetch")
	PullCmd.Flags().StringVar(&pullOpts.MirrorBucket, "mirror-bucket", "", "S3 bucket to mirror the committed layer to (optional)")
	PullCmd.Flags().StringVar(&pullOpts.MirrorRegion, "mirror-region", "", "Region of the mirror bucket")
	PullCmd.Flags().StringVar(&pullOpts.MirrorPrefix, "mirror-prefix", "layers", "Key prefix inside the mirror bucket")

	PullCmd.MarkFlagRequired("root")
	PullCmd.MarkFlagRequired("key")
	PullCmd.MarkFlagRequired("image")
	PullCmd.MarkFlagRequired("digest")
}

func runPull(cmd *cobra.Command, args []string) error {
	st, err := store.NewStore(store.Config{Root: pullOpts.Root})
	if err != nil {
		return err
	}
	defer st.Close()

	opts := []snapshot.Option{snapshot.WithPuller(registry.NewRemotePuller())}
	if pullOpts.MirrorBucket != "" {
		mirror, err := storage.NewS3Mirror(cmd.Context(), storage.S3MirrorOpts{
			Bucket: pullOpts.MirrorBucket,
			Region: pullOpts.MirrorRegion,
			Prefix: pullOpts.MirrorPrefix,
		})
		if err != nil {
			return err
		}
		opts = append(opts, snapshot.WithMirror(mirror))
	}

	snapshotter := snapshot.NewSnapshotter(st, opts...)

	labels := map[string]string{
		snapshot.TargetRefLabel:   pullOpts.Key,
		snapshot.ImageRefLabel:    pullOpts.Image,
		snapshot.LayerDigestLabel: pullOpts.Digest,
	}

	_, err = snapshotter.Prepare(cmd.Context(), pullOpts.Key, pullOpts.Parent, labels)
	if err != nil && !errors.Is(err, common.ErrLayerCommitted) {
		return err
	}

	log.Info().Str("key", pullOpts.Key).Msg("layer ingested")
	return nil
}
