package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/tardex/pkg/common"
	"github.com/beam-cloud/tardex/pkg/index"
	"github.com/beam-cloud/tardex/pkg/store"
)

// ingestLayer downloads, decompresses and indexes one image layer, then
// registers it as committed. Concurrent requests for the same key share a
// single ingestion.
//
// The slow stages run with no store lock held: the store is only entered to
// reserve a private staging path and, at the very end, to atomically publish
// the finished layer. A failed ingestion leaves nothing behind but its
// staging file, which is removed here.
func (s *Snapshotter) ingestLayer(ctx context.Context, key, parent string, labels map[string]string) error {
	_, err, _ := s.ingests.Do(key, func() (interface{}, error) {
		return nil, s.doIngest(ctx, key, parent, labels)
	})
	return err
}

func (s *Snapshotter) doIngest(ctx context.Context, key, parent string, labels map[string]string) error {
	imageRef := labels[ImageRefLabel]
	layerDigest := labels[LayerDigestLabel]
	if imageRef == "" || layerDigest == "" {
		return fmt.Errorf("layer ingestion requires %s and %s labels: %w", ImageRefLabel, LayerDigestLabel, errdefs.ErrInvalidArgument)
	}
	if s.puller == nil {
		return fmt.Errorf("no registry puller configured: %w", errdefs.ErrFailedPrecondition)
	}

	staging := s.store.StagingPath(uuid.New().String())
	defer os.Remove(staging)

	start := time.Now()
	if err := s.buildLayer(ctx, staging, imageRef, layerDigest); err != nil {
		return err
	}

	info := common.Info{
		Kind:    common.KindCommitted,
		Name:    key,
		Parent:  parent,
		Labels:  labels,
		Created: time.Now().UTC(),
	}
	if err := s.store.CommitLayer(info, staging); err != nil {
		return err
	}

	log.Info().Str("key", key).Str("digest", layerDigest).
		Dur("took", time.Since(start)).Msg("layer committed")

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, store.PathHash(key), s.store.LayerPath(key)); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to mirror layer")
		}
	}
	return nil
}

// buildLayer writes the decompressed tar stream into the staging file and
// appends the random-access index to it.
func (s *Snapshotter) buildLayer(ctx context.Context, staging, imageRef, layerDigest string) error {
	blob, err := s.puller.Pull(ctx, imageRef, layerDigest)
	if err != nil {
		return fmt.Errorf("pulling layer %s: %w", layerDigest, err)
	}
	defer blob.Close()

	gz, err := gzip.NewReader(blob)
	if err != nil {
		return fmt.Errorf("decompressing layer %s: %w", layerDigest, err)
	}
	defer gz.Close()

	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}

	if _, err := io.Copy(f, gz); err != nil {
		f.Close()
		return fmt.Errorf("writing layer %s to staging: %w", layerDigest, err)
	}
	if err := index.AppendIndex(f); err != nil {
		f.Close()
		return fmt.Errorf("indexing layer %s: %w", layerDigest, err)
	}
	return f.Close()
}
