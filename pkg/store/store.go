package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"

	"github.com/beam-cloud/tardex/pkg/common"
)

// PathHash maps an arbitrary snapshot name to a fixed-length identifier
// usable as an on-disk file name, independent of the name's length or
// character set.
func PathHash(name string) string {
	return digest.FromString(name).Encoded()
}

type Config struct {
	// Root directory owning the snapshots/, layers/ and staging/ trees.
	Root string
}

// Store persists snapshot metadata and committed layer files under a single
// root. Metadata is guarded by one reader/writer lock; callers doing slow
// work (downloads, index builds) must do it outside the lock and only
// re-enter to publish the result.
type Store struct {
	root string
	mu   sync.RWMutex
	fl   *flock.Flock
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root not configured: %w", errdefs.ErrInvalidArgument)
	}
	for _, dir := range []string{cfg.Root, filepath.Join(cfg.Root, "snapshots"), filepath.Join(cfg.Root, "layers"), filepath.Join(cfg.Root, "staging")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	fl := flock.New(filepath.Join(cfg.Root, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking store root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store root %s is in use by another process: %w", cfg.Root, errdefs.ErrUnavailable)
	}

	return &Store{root: cfg.Root, fl: fl}, nil
}

func (s *Store) Close() error {
	return s.fl.Unlock()
}

func (s *Store) SnapshotPath(name string) string {
	return filepath.Join(s.root, "snapshots", PathHash(name))
}

func (s *Store) LayerPath(name string) string {
	return filepath.Join(s.root, "layers", PathHash(name))
}

// LayersDir is the mount source handed to the merged-filesystem consumer.
func (s *Store) LayersDir() string {
	return filepath.Join(s.root, "layers")
}

func (s *Store) stagingDir() string {
	return filepath.Join(s.root, "staging")
}

// StagingPath names a private location for layer ingestion. Staging is not
// shared state; callers own the file until CommitLayer publishes it.
func (s *Store) StagingPath(name string) string {
	return filepath.Join(s.stagingDir(), name)
}

func (s *Store) Read(name string) (common.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(name)
}

func (s *Store) readLocked(name string) (common.Info, error) {
	var info common.Info
	data, err := os.ReadFile(s.SnapshotPath(name))
	if os.IsNotExist(err) {
		return info, fmt.Errorf("snapshot %q: %w", name, errdefs.ErrNotFound)
	}
	if err != nil {
		return info, fmt.Errorf("reading snapshot %q: %w", name, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decoding snapshot %q: %w", name, err)
	}
	return info, nil
}

// Write persists a new snapshot record. It is create-only: at most one
// record ever exists per key, and racing writers observe ErrAlreadyExists.
func (s *Store) Write(info common.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(info)
}

func (s *Store) writeLocked(info common.Info) error {
	f, err := os.OpenFile(s.SnapshotPath(info.Name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return fmt.Errorf("snapshot %q: %w", info.Name, errdefs.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("creating snapshot %q: %w", info.Name, err)
	}
	defer f.Close()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding snapshot %q: %w", info.Name, err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("writing snapshot %q: %w", info.Name, err)
	}
	return nil
}

// Remove deletes a snapshot record and returns what was removed so the
// caller can clean up any backing layer file.
func (s *Store) Remove(name string) (common.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.readLocked(name)
	if err != nil {
		return info, err
	}
	if err := os.Remove(s.SnapshotPath(name)); err != nil {
		return info, fmt.Errorf("removing snapshot %q: %w", name, err)
	}
	return info, nil
}

// CommitLayer atomically publishes a fully-built layer: the staged file is
// moved into its content-addressed path and the Committed record written,
// both under one write lock. On any failure nothing is left registered.
func (s *Store) CommitLayer(info common.Info, stagingPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(info); err != nil {
		return err
	}
	if err := os.Rename(stagingPath, s.LayerPath(info.Name)); err != nil {
		os.Remove(s.SnapshotPath(info.Name))
		return fmt.Errorf("publishing layer %q: %w", info.Name, err)
	}
	return nil
}

// Walk streams every persisted record. It rescans the metadata directory on
// each invocation, so a new Walk always observes the current store state.
func (s *Store) Walk(ctx context.Context, fn func(common.Info) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dents, err := os.ReadDir(filepath.Join(s.root, "snapshots"))
	if err != nil {
		return fmt.Errorf("scanning snapshot directory: %w", err)
	}
	for _, de := range dents {
		if de.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var info common.Info
		data, err := os.ReadFile(filepath.Join(s.root, "snapshots", de.Name()))
		if err != nil {
			return fmt.Errorf("reading snapshot record %s: %w", de.Name(), err)
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("decoding snapshot record %s: %w", de.Name(), err)
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// MountsFromSnapshot walks the parent chain and turns it into a single
// tar-overlay mount whose options list the hashed layer identifiers oldest
// first. Every ancestor must already be committed; finding one that is
// merely active or a view is a hard precondition failure, not a silent stop.
func (s *Store) MountsFromSnapshot(parent string) ([]common.Mount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mountsLocked(parent)
}

func (s *Store) mountsLocked(parent string) ([]common.Mount, error) {
	var layers []string
	for p := parent; p != ""; {
		info, err := s.readLocked(p)
		if err != nil {
			return nil, err
		}
		if info.Kind != common.KindCommitted {
			return nil, fmt.Errorf("parent snapshot %q is %s, not committed: %w", p, info.Kind, errdefs.ErrFailedPrecondition)
		}
		layers = append(layers, PathHash(p))
		p = info.Parent
	}

	// Collected newest-first; the consumer wants the oldest layer lowest.
	for i, j := 0, len(layers)-1; i < j; i, j = i+1, j-1 {
		layers[i], layers[j] = layers[j], layers[i]
	}

	return []common.Mount{{
		Type:    common.MountTypeTarOverlay,
		Source:  s.LayersDir(),
		Target:  "",
		Options: layers,
	}}, nil
}

// WriteWithMounts validates the parent chain and writes the record under a
// single write lock, returning the mounts for the new snapshot. This is the
// guarded create used by prepare and view.
func (s *Store) WriteWithMounts(info common.Info) ([]common.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mounts, err := s.mountsLocked(info.Parent)
	if err != nil {
		return nil, err
	}
	if err := s.writeLocked(info); err != nil {
		return nil, err
	}
	return mounts, nil
}
