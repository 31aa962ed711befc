package storage

import "context"

// Mirror replicates committed layer files to secondary storage so other
// hosts can fetch an already-indexed layer instead of rebuilding it.
// Mirroring is best-effort: the local store stays authoritative.
type Mirror interface {
	Upload(ctx context.Context, key string, path string) error
	Delete(ctx context.Context, key string) error
}
