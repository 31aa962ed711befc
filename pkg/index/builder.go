package index

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// Builder scans a tar stream and appends a random-access index after it.
// The original bytes are never touched: the whole tree is built in memory
// first and the index regions are written strictly after the end of the
// archive, so a failed build leaves a still-valid tar stream behind.
type Builder struct {
	rws            io.ReadWriteSeeker
	cr             *countingReader
	entries        []entry
	contentsSize   int64
	inodeCount     uint64
	nameTableStart uint64
}

// countingReader tracks the absolute read offset in the tar stream. It
// deliberately does not implement io.Seeker so archive/tar skips content
// through Read and the count stays exact.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	k, err := cr.r.Read(p)
	cr.n += int64(k)
	return k, err
}

func NewBuilder(rws io.ReadWriteSeeker) *Builder {
	b := &Builder{rws: rws}
	b.entries = append(b.entries, entry{mode: ModeDir | 0o755})
	return b
}

// AppendIndex scans the tar stream in rws and appends the index to it.
func AppendIndex(rws io.ReadWriteSeeker) error {
	return NewBuilder(rws).Build()
}

func (b *Builder) Build() error {
	size, err := b.rws.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("measuring tar stream: %w", err)
	}
	b.contentsSize = size

	if _, err := b.rws.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding tar stream: %w", err)
	}

	if err := b.scan(); err != nil {
		return err
	}

	b.assignInodes()
	b.assignDirOffsets()

	return b.serialize()
}

// scan is the single sequential pass over the archive. Per-entry problems
// are never fatal: the offending entry is skipped with a diagnostic and the
// scan continues. Only stream-level read failures abort the build.
func (b *Builder) scan() error {
	b.cr = &countingReader{r: b.rws}
	tr := tar.NewReader(b.cr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed tar stream: %w: %w", errdefs.ErrInvalidArgument, err)
		}

		parts, ok := splitPath(hdr.Name)
		if !ok {
			log.Warn().Str("name", hdr.Name).Msg("skipping entry: path escapes root")
			continue
		}

		mtime := uint64(hdr.ModTime.Unix())
		owner := uint32(hdr.Uid)
		group := uint32(hdr.Gid)
		perm := uint16(hdr.Mode & 0o7777)

		switch hdr.Typeflag {
		case tar.TypeReg:
			if len(parts) == 0 {
				log.Warn().Str("name", hdr.Name).Msg("skipping entry: empty file name")
				continue
			}
			e := b.at(b.upsert(parts, ModeRegular|perm))
			e.mode = ModeRegular | perm
			e.size = uint64(hdr.Size)
			e.offset = uint64(b.cr.n) // content begins right after the header
			e.mtime, e.owner, e.group = mtime, owner, group

		case tar.TypeDir:
			e := b.at(b.upsert(parts, ModeDir|perm))
			e.mode = ModeDir | perm
			e.mtime, e.owner, e.group = mtime, owner, group

		case tar.TypeSymlink:
			if len(parts) == 0 {
				log.Warn().Str("name", hdr.Name).Msg("skipping entry: empty link name")
				continue
			}
			headerStart := b.cr.n - BlockSize
			raw, err := b.rawLinkname(headerStart)
			if err != nil {
				return err
			}
			if raw != hdr.Linkname {
				// The real target needed a long-name extension; only targets
				// stored inline in the fixed header field are supported.
				log.Warn().Str("name", hdr.Name).Str("target", hdr.Linkname).
					Msg("skipping symlink: target not stored inline in header")
				continue
			}
			e := b.at(b.upsert(parts, ModeSymlink|perm))
			e.mode = ModeSymlink | perm
			e.size = uint64(len(hdr.Linkname))
			e.offset = uint64(headerStart + linknameFieldOffset)
			e.mtime, e.owner, e.group = mtime, owner, group

		case tar.TypeLink:
			targetParts, ok := splitPath(hdr.Linkname)
			if !ok {
				log.Warn().Str("name", hdr.Name).Str("target", hdr.Linkname).
					Msg("skipping hardlink: target path escapes root")
				continue
			}
			target, ok := b.lookup(targetParts)
			if !ok {
				log.Warn().Str("name", hdr.Name).Str("target", hdr.Linkname).
					Msg("skipping hardlink: target not found")
				continue
			}
			if !b.at(target).isRegular() {
				log.Warn().Str("name", hdr.Name).Str("target", hdr.Linkname).
					Msg("skipping hardlink: target is not a regular file")
				continue
			}
			if len(parts) == 0 {
				log.Warn().Str("name", hdr.Name).Msg("skipping hardlink: empty name")
				continue
			}
			b.link(parts, target)

		default:
			log.Warn().Str("name", hdr.Name).Uint8("type", uint8(hdr.Typeflag)).
				Msg("skipping entry: unsupported type")
		}
	}
}

// rawLinkname reads the fixed 100-byte link-name field straight from the
// header block, then restores the stream position for the tar reader.
func (b *Builder) rawLinkname(headerStart int64) (string, error) {
	if _, err := b.rws.Seek(headerStart+linknameFieldOffset, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking to link-name field: %w", err)
	}
	buf := make([]byte, linknameFieldLen)
	if _, err := io.ReadFull(b.rws, buf); err != nil {
		return "", fmt.Errorf("reading link-name field: %w", err)
	}
	if _, err := b.rws.Seek(b.cr.n, io.SeekStart); err != nil {
		return "", fmt.Errorf("restoring stream position: %w", err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
