package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// walkBreadthFirst visits every reachable entry level by level, children
// before grandchildren. A hardlinked entry is reachable through more than
// one parent and is therefore visited more than once; passes that must act
// once per unique entry guard on that themselves.
func (b *Builder) walkBreadthFirst(visit func(id entryID) error) error {
	queue := []entryID{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if err := visit(id); err != nil {
			return err
		}
		if b.at(id).isDir() {
			b.at(id).children.Scan(func(_ string, child entryID) bool {
				queue = append(queue, child)
				return true
			})
		}
	}
	return nil
}

// assignInodes numbers entries starting at 1. The root is visited first and
// always becomes inode 1. The ino==0 guard makes a multiply-linked entry
// take exactly one number no matter how many paths reach it.
func (b *Builder) assignInodes() {
	var counter uint64
	b.walkBreadthFirst(func(id entryID) error {
		e := b.at(id)
		if e.ino == 0 {
			counter++
			e.ino = counter
		}
		return nil
	})
	b.inodeCount = counter
}

// assignDirOffsets lays each directory's dirent list out in the region that
// follows the inode table, in traversal order.
func (b *Builder) assignDirOffsets() {
	off := uint64(b.contentsSize) + InodeSize*b.inodeCount
	b.walkBreadthFirst(func(id entryID) error {
		e := b.at(id)
		if e.isDir() {
			e.offset = off
			e.size = DirentSize * uint64(e.children.Len())
			off += e.size
		}
		return nil
	})
	b.nameTableStart = off
}

// serialize writes the inode table, dirent table, name table and trailing
// superblock after the archive. The three table passes use the same
// traversal and the same per-directory child order, which is what makes the
// offsets assigned in one pass valid when the next region is written.
func (b *Builder) serialize() error {
	if _, err := b.rws.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seeking to end of archive: %w", err)
	}
	w := bufio.NewWriterSize(b.rws, 512*1024)

	err := b.walkBreadthFirst(func(id entryID) error {
		e := b.at(id)
		if e.emitted {
			return nil
		}
		e.emitted = true
		rec := Inode{
			Mode:    e.mode,
			MtimeHi: uint8((e.mtime >> 32) & 0xF),
			Owner:   e.owner,
			Group:   e.group,
			MtimeLo: uint32(e.mtime),
			Size:    e.size,
			Offset:  e.offset,
		}
		return binary.Write(w, binary.LittleEndian, rec)
	})
	if err != nil {
		return fmt.Errorf("writing inode table: %w", err)
	}

	nameOff := b.nameTableStart
	err = b.walkBreadthFirst(func(id entryID) error {
		e := b.at(id)
		if !e.isDir() {
			return nil
		}
		var werr error
		e.children.Scan(func(name string, cid entryID) bool {
			child := b.at(cid)
			rec := Dirent{
				Ino:        child.ino,
				NameOffset: nameOff,
				NameLen:    uint64(len(name)),
				Type:       direntType(child.mode),
			}
			nameOff += uint64(len(name))
			werr = binary.Write(w, binary.LittleEndian, rec)
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return fmt.Errorf("writing dirent table: %w", err)
	}

	pos := nameOff
	err = b.walkBreadthFirst(func(id entryID) error {
		e := b.at(id)
		if !e.isDir() {
			return nil
		}
		var werr error
		e.children.Scan(func(name string, _ entryID) bool {
			_, werr = w.WriteString(name)
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return fmt.Errorf("writing name table: %w", err)
	}

	if err := writePad(w, pos); err != nil {
		return err
	}
	pos += padLen(pos)

	sb := Superblock{
		InodeTableOffset: uint64(b.contentsSize),
		InodeCount:       b.inodeCount,
	}
	if err := binary.Write(w, binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	pos += SuperblockSize

	if err := writePad(w, pos); err != nil {
		return err
	}

	return w.Flush()
}

func padLen(pos uint64) uint64 {
	return (BlockSize - pos%BlockSize) % BlockSize
}

func writePad(w *bufio.Writer, pos uint64) error {
	if _, err := w.Write(make([]byte, padLen(pos))); err != nil {
		return fmt.Errorf("writing padding: %w", err)
	}
	return nil
}
