package index

// On-disk layout appended after an unmodified tar stream:
//
//	[ tar bytes, length = contents size ]
//	[ inode table: one Inode per unique entry, in inode-number order ]
//	[ dirent table: one Dirent per (directory, child-name) edge ]
//	[ name table: raw child names, same order as the dirent table ]
//	[ zero pad to 512 ] [ Superblock ] [ zero pad to 512 ]
//
// A reader locates the index with nothing but the trailing superblock:
// InodeTableOffset always equals the length of the original tar stream.
// All records are little-endian and unaligned.

const (
	BlockSize      = 512
	InodeSize      = 32
	DirentSize     = 32
	SuperblockSize = 16
)

// Type bits stored in Inode.Mode; the low 9 bits are permissions. The
// symlink value overlaps the regular-file bit, so type checks must compare
// the full masked value, never a single bit.
const (
	ModeTypeMask uint16 = 0o170000
	ModeRegular  uint16 = 0o100000
	ModeDir      uint16 = 0o040000
	ModeSymlink  uint16 = 0o120000
)

// Dirent type values, matching the d_type numbering readdir consumers use.
const (
	TypeUnknown uint8 = 0
	TypeDir     uint8 = 4
	TypeRegular uint8 = 8
	TypeSymlink uint8 = 10
)

// Position and width of the fixed link-name field inside a tar header.
const (
	linknameFieldOffset = 157
	linknameFieldLen    = 100
)

type Inode struct {
	Mode    uint16
	_       uint8
	MtimeHi uint8 // bits 32-35 of mtime
	Owner   uint32
	Group   uint32
	MtimeLo uint32
	Size    uint64
	Offset  uint64
}

type Dirent struct {
	Ino        uint64
	NameOffset uint64
	NameLen    uint64
	Type       uint8
	_          [7]uint8
}

type Superblock struct {
	InodeTableOffset uint64
	InodeCount       uint64
}
