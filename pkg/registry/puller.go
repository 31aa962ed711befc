package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog/log"
)

// Puller fetches one compressed layer blob from an image registry.
type Puller interface {
	Pull(ctx context.Context, imageRef string, layerDigest string) (io.ReadCloser, error)
}

type RemotePuller struct {
	keychain authn.Keychain
}

type RemotePullerOption func(*RemotePuller)

// WithKeychain overrides the keychain used to authenticate registry pulls.
func WithKeychain(kc authn.Keychain) RemotePullerOption {
	return func(p *RemotePuller) {
		p.keychain = kc
	}
}

func NewRemotePuller(opts ...RemotePullerOption) *RemotePuller {
	p := &RemotePuller{keychain: authn.DefaultKeychain}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RemotePuller) Pull(ctx context.Context, imageRef string, layerDigest string) (io.ReadCloser, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", imageRef, err)
	}

	dig := ref.Context().Digest(layerDigest)
	layer, err := remote.Layer(dig, remote.WithAuthFromKeychain(p.keychain), remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolving layer %s: %w", layerDigest, err)
	}

	log.Debug().Str("image", imageRef).Str("digest", layerDigest).Msg("pulling layer blob")
	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("opening layer %s: %w", layerDigest, err)
	}
	return rc, nil
}
