package common

import "time"

type Kind string

const (
	KindActive    Kind = "active"
	KindView      Kind = "view"
	KindCommitted Kind = "committed"
)

// Info is the persisted record for one snapshot key.
type Info struct {
	Kind    Kind              `json:"kind"`
	Name    string            `json:"name"`
	Parent  string            `json:"parent,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Created time.Time         `json:"created"`
}

// Usage reports the durable storage consumed by a committed layer.
// Active and view snapshots hold no layer data, so their usage is zero.
type Usage struct {
	Inodes int64
	Size   int64
}

// MountTypeTarOverlay identifies a merged mount assembled from a stack of
// indexed tar layers. Options carry the hashed layer identifiers, oldest
// layer first, which is the order the merged-filesystem consumer expects.
const MountTypeTarOverlay = "tar-overlay"

type Mount struct {
	Type    string
	Source  string
	Target  string
	Options []string
}
