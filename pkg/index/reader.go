package index

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/beam-cloud/tardex/pkg/common"
)

// ReadSuperblock locates and decodes the trailing superblock of an indexed
// archive. The superblock sits at the start of the final 512-byte block.
func ReadSuperblock(r io.ReadSeeker) (Superblock, error) {
	var sb Superblock

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return sb, fmt.Errorf("measuring indexed archive: %w", err)
	}
	if size < BlockSize || size%BlockSize != 0 {
		return sb, common.ErrTruncatedIndex
	}

	if _, err := r.Seek(size-BlockSize, io.SeekStart); err != nil {
		return sb, fmt.Errorf("seeking to superblock: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return sb, fmt.Errorf("decoding superblock: %w", err)
	}

	if sb.InodeTableOffset >= uint64(size) {
		return sb, common.ErrBadSuperblock
	}
	return sb, nil
}

// ReadInodes decodes the full inode table described by sb. Inodes are
// returned in inode-number order, so inode i is at slice position i-1.
// The declared table is checked against the file size before anything is
// allocated, so a corrupt count cannot drive an oversized allocation.
func ReadInodes(r io.ReadSeeker, sb Superblock) ([]Inode, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("measuring indexed archive: %w", err)
	}
	if sb.InodeTableOffset > uint64(size) || sb.InodeCount > (uint64(size)-sb.InodeTableOffset)/InodeSize {
		return nil, common.ErrBadSuperblock
	}

	if _, err := r.Seek(int64(sb.InodeTableOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to inode table: %w", err)
	}
	inodes := make([]Inode, sb.InodeCount)
	for i := range inodes {
		if err := binary.Read(r, binary.LittleEndian, &inodes[i]); err != nil {
			return nil, fmt.Errorf("decoding inode %d: %w", i+1, err)
		}
	}
	return inodes, nil
}

// ReadDirents decodes the dirent list of one directory inode. The declared
// table must lie inside the file, guarding against corrupt inode records.
func ReadDirents(r io.ReadSeeker, dir Inode) ([]Dirent, error) {
	if dir.Mode&ModeTypeMask != ModeDir {
		return nil, fmt.Errorf("inode mode %o is not a directory", dir.Mode)
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("measuring indexed archive: %w", err)
	}
	if dir.Offset > uint64(size) || dir.Size > uint64(size)-dir.Offset {
		return nil, fmt.Errorf("dirent table at %d+%d extends past end of archive: %w", dir.Offset, dir.Size, common.ErrTruncatedIndex)
	}

	if _, err := r.Seek(int64(dir.Offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to dirent table: %w", err)
	}
	dirents := make([]Dirent, dir.Size/DirentSize)
	for i := range dirents {
		if err := binary.Read(r, binary.LittleEndian, &dirents[i]); err != nil {
			return nil, fmt.Errorf("decoding dirent %d: %w", i, err)
		}
	}
	return dirents, nil
}

// ReadName reads the raw name bytes a dirent points at.
func ReadName(r io.ReadSeeker, d Dirent) (string, error) {
	if _, err := r.Seek(int64(d.NameOffset), io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking to name table: %w", err)
	}
	buf := make([]byte, d.NameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading name: %w", err)
	}
	return string(buf), nil
}
