package snapshot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/beam-cloud/tardex/pkg/common"
	"github.com/beam-cloud/tardex/pkg/index"
	"github.com/beam-cloud/tardex/pkg/registry"
	"github.com/beam-cloud/tardex/pkg/storage"
	"github.com/beam-cloud/tardex/pkg/store"
)

// Labels consumed from prepare requests. TargetRefLabel marks a request as
// "build this new image layer"; the digest and image-ref labels supply what
// the registry client needs to fetch the compressed blob.
const (
	TargetRefLabel   = "containerd.io/snapshot.ref"
	LayerDigestLabel = "containerd.io/snapshot/cri.layer-digest"
	ImageRefLabel    = "containerd.io/snapshot/cri.image-ref"
)

// Snapshotter implements the lifecycle operations over a Store. Normal
// prepares and views only touch metadata; a prepare carrying the layer
// labels instead downloads the layer, appends the tar index and registers
// the result directly as committed.
type Snapshotter struct {
	store   *store.Store
	puller  registry.Puller
	mirror  storage.Mirror
	ingests singleflight.Group
}

type Option func(*Snapshotter)

// WithPuller supplies the registry client used for layer ingestion.
func WithPuller(p registry.Puller) Option {
	return func(s *Snapshotter) {
		s.puller = p
	}
}

// WithMirror enables best-effort replication of committed layers.
func WithMirror(m storage.Mirror) Option {
	return func(s *Snapshotter) {
		s.mirror = m
	}
}

func NewSnapshotter(st *store.Store, opts ...Option) *Snapshotter {
	s := &Snapshotter{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare creates an active snapshot on top of a committed parent chain and
// returns its mounts.
//
// When labels mark the request as a new image layer, Prepare instead runs
// layer ingestion and reports success through common.ErrLayerCommitted:
// there is nothing to mount, and the lifecycle protocol has no other way to
// say so. Callers driving image pulls must treat that value as success.
func (s *Snapshotter) Prepare(ctx context.Context, key, parent string, labels map[string]string) ([]common.Mount, error) {
	if labels[TargetRefLabel] != "" {
		if err := s.ingestLayer(ctx, key, parent, labels); err != nil && !errdefs.IsAlreadyExists(err) {
			return nil, err
		}
		return nil, common.ErrLayerCommitted
	}

	return s.store.WriteWithMounts(common.Info{
		Kind:    common.KindActive,
		Name:    key,
		Parent:  parent,
		Labels:  labels,
		Created: time.Now().UTC(),
	})
}

// View creates a read-only snapshot on top of a committed parent chain.
func (s *Snapshotter) View(ctx context.Context, key, parent string, labels map[string]string) ([]common.Mount, error) {
	return s.store.WriteWithMounts(common.Info{
		Kind:    common.KindView,
		Name:    key,
		Parent:  parent,
		Labels:  labels,
		Created: time.Now().UTC(),
	})
}

// Commit is not part of this lifecycle: layers become committed through
// ingestion in Prepare, never by promoting an active snapshot.
func (s *Snapshotter) Commit(ctx context.Context, name, key string, labels map[string]string) error {
	return fmt.Errorf("commit is not supported: %w", errdefs.ErrNotImplemented)
}

func (s *Snapshotter) Stat(ctx context.Context, key string) (common.Info, error) {
	return s.store.Read(key)
}

// Mounts returns the mounts for an existing active or view snapshot.
func (s *Snapshotter) Mounts(ctx context.Context, key string) ([]common.Mount, error) {
	info, err := s.store.Read(key)
	if err != nil {
		return nil, err
	}
	if info.Kind != common.KindActive && info.Kind != common.KindView {
		return nil, fmt.Errorf("snapshot %q is %s, not active or view: %w", key, info.Kind, errdefs.ErrFailedPrecondition)
	}
	return s.store.MountsFromSnapshot(info.Parent)
}

// Usage reports the storage held by a committed layer: the indexed layer
// file's size on disk and the inode count recorded in its superblock.
// Active and view snapshots occupy no durable storage and report zero.
func (s *Snapshotter) Usage(ctx context.Context, key string) (common.Usage, error) {
	info, err := s.store.Read(key)
	if err != nil {
		return common.Usage{}, err
	}
	if info.Kind != common.KindCommitted {
		return common.Usage{}, nil
	}

	f, err := os.Open(s.store.LayerPath(key))
	if os.IsNotExist(err) {
		return common.Usage{}, nil
	}
	if err != nil {
		return common.Usage{}, fmt.Errorf("opening layer for %q: %w", key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return common.Usage{}, fmt.Errorf("statting layer for %q: %w", key, err)
	}
	sb, err := index.ReadSuperblock(f)
	if err != nil {
		return common.Usage{}, fmt.Errorf("reading layer index for %q: %w", key, err)
	}

	return common.Usage{
		Size:   st.Size(),
		Inodes: int64(sb.InodeCount),
	}, nil
}

// Remove deletes the snapshot record. For committed layers the backing file
// is removed best-effort: a layer file that is already gone is not an error.
func (s *Snapshotter) Remove(ctx context.Context, key string) error {
	info, err := s.store.Remove(key)
	if err != nil {
		return err
	}

	if info.Kind == common.KindCommitted {
		if err := os.Remove(s.store.LayerPath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing layer for %q: %w", key, err)
		}
		if s.mirror != nil {
			if err := s.mirror.Delete(ctx, store.PathHash(key)); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to delete mirrored layer")
			}
		}
	}
	return nil
}

// Walk streams every persisted snapshot record. Each call rescans the store,
// so walks are restartable and always observe current state.
func (s *Snapshotter) Walk(ctx context.Context, fn func(context.Context, common.Info) error) error {
	return s.store.Walk(ctx, func(info common.Info) error {
		return fn(ctx, info)
	})
}
