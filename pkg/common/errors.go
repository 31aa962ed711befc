package common

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrBadSuperblock  = errors.New("unexpected superblock")
	ErrTruncatedIndex = errors.New("index shorter than superblock")

	// ErrLayerCommitted is returned by Prepare after a successful image-layer
	// ingestion. The lifecycle protocol has no "succeeded, nothing to mount"
	// response, so the layer path reports success through a well-known
	// already-exists failure code. It wraps errdefs.ErrAlreadyExists so that
	// callers matching the wire-level code keep working, while new callers
	// can test for this value directly.
	ErrLayerCommitted = fmt.Errorf("layer committed, no mounts: %w", errdefs.ErrAlreadyExists)
)
