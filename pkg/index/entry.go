package index

import (
	"strings"

	"github.com/tidwall/btree"
)

// entryID addresses an entry in the builder's arena. Hardlinks are two
// child-map slots holding the same id; there is never more than one entry
// per unique underlying file.
type entryID int32

const rootID entryID = 0

type entry struct {
	offset  uint64
	size    uint64
	mode    uint16
	ino     uint64
	emitted bool
	mtime   uint64
	owner   uint32
	group   uint32

	// Keyed by raw child name. Ascending scan order is byte-lexicographic,
	// which is exactly the on-disk dirent order.
	children btree.Map[string, entryID]
}

func (e *entry) isDir() bool {
	return e.mode&ModeTypeMask == ModeDir
}

func (e *entry) isRegular() bool {
	return e.mode&ModeTypeMask == ModeRegular
}

func direntType(mode uint16) uint8 {
	switch mode & ModeTypeMask {
	case ModeSymlink:
		return TypeSymlink
	case ModeDir:
		return TypeDir
	case ModeRegular:
		return TypeRegular
	default:
		return TypeUnknown
	}
}

// splitPath cleans a tar entry name into path components. Empty components
// and "." are dropped, ".." pops the previous component. A ".." that would
// escape the root rejects the whole name.
func splitPath(name string) ([]string, bool) {
	var parts []string
	for _, c := range strings.Split(name, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return nil, false
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, c)
		}
	}
	return parts, true
}

func (b *Builder) at(id entryID) *entry {
	return &b.entries[id]
}

func (b *Builder) alloc(mode uint16) entryID {
	b.entries = append(b.entries, entry{mode: mode})
	return entryID(len(b.entries) - 1)
}

// upsert walks from the root, creating intermediate directories on demand,
// and returns the entry for the final component. If the path already names
// an entry that entry is returned so the caller can overwrite its fields
// without discarding children the entry may already have.
func (b *Builder) upsert(parts []string, mode uint16) entryID {
	cur := rootID
	for i, part := range parts {
		id, ok := b.at(cur).children.Get(part)
		if !ok {
			m := ModeDir | 0o755
			if i == len(parts)-1 {
				m = mode
			}
			id = b.alloc(m)
			b.at(cur).children.Set(part, id)
		}
		cur = id
	}
	return cur
}

// lookup resolves an already-cleaned path without creating anything.
func (b *Builder) lookup(parts []string) (entryID, bool) {
	cur := rootID
	for _, part := range parts {
		id, ok := b.at(cur).children.Get(part)
		if !ok {
			return 0, false
		}
		cur = id
	}
	return cur, true
}

// link inserts an additional reference to target under the given path,
// creating intermediate directories on demand. This is how hardlinks share
// a single inode: both names end up holding the same arena id.
func (b *Builder) link(parts []string, target entryID) {
	cur := rootID
	for _, part := range parts[:len(parts)-1] {
		id, ok := b.at(cur).children.Get(part)
		if !ok {
			id = b.alloc(ModeDir | 0o755)
			b.at(cur).children.Set(part, id)
		}
		cur = id
	}
	b.at(cur).children.Set(parts[len(parts)-1], target)
}
