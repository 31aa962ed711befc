package index

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/tardex/pkg/common"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  []byte
	linkname string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Uid:      1000,
			Gid:      1000,
			ModTime:  time.Unix(1690000000, 0),
		}
		switch e.typeflag {
		case tar.TypeReg:
			hdr.Size = int64(len(e.content))
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeSymlink, tar.TypeLink:
			hdr.Linkname = e.linkname
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write(e.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// indexedFile writes tarBytes to a temp file and appends the index to it.
func indexedFile(t *testing.T, tarBytes []byte) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "layer.tar")
	require.NoError(t, os.WriteFile(path, tarBytes, 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.NoError(t, AppendIndex(f))
	return f
}

func rootDirents(t *testing.T, f *os.File) []Dirent {
	t.Helper()

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	inodes, err := ReadInodes(f, sb)
	require.NoError(t, err)
	require.NotEmpty(t, inodes)

	dirents, err := ReadDirents(f, inodes[0])
	require.NoError(t, err)
	return dirents
}

func direntNames(t *testing.T, f *os.File, dirents []Dirent) []string {
	t.Helper()

	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		name, err := ReadName(f, d)
		require.NoError(t, err)
		names = append(names, name)
	}
	return names
}

func TestAppendIndexLeavesArchiveUntouched(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "hello.txt", typeflag: tar.TypeReg, content: []byte("hello world")},
		{name: "dir/", typeflag: tar.TypeDir},
		{name: "dir/nested.txt", typeflag: tar.TypeReg, content: []byte("nested")},
	})

	f := indexedFile(t, tarBytes)

	got := make([]byte, len(tarBytes))
	_, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, tarBytes, got, "original archive bytes must be byte-identical")

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(len(tarBytes)))
	assert.Zero(t, st.Size()%BlockSize, "indexed archive must end on a block boundary")
}

func TestSuperblockPointsAtEndOfArchive(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "a.txt", typeflag: tar.TypeReg, content: []byte("aaaa")},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(tarBytes)), sb.InodeTableOffset)
	assert.Equal(t, uint64(2), sb.InodeCount) // root + a.txt
}

func TestHardlinksShareOneInode(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, content: []byte("shared")},
		{name: "b", typeflag: tar.TypeLink, linkname: "a"},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sb.InodeCount, "one inode per unique file, not per path")

	dirents := rootDirents(t, f)
	require.Len(t, dirents, 2)
	assert.Equal(t, dirents[0].Ino, dirents[1].Ino, "both names must reference the same inode")
	assert.Equal(t, TypeRegular, dirents[0].Type)
	assert.Equal(t, TypeRegular, dirents[1].Type)
}

func TestHardlinkToMissingTargetIsSkipped(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, content: []byte("x")},
		{name: "b", typeflag: tar.TypeLink, linkname: "nope"},
	})

	f := indexedFile(t, tarBytes)

	names := direntNames(t, f, rootDirents(t, f))
	assert.Equal(t, []string{"a"}, names)
}

func TestHardlinkToSymlinkIsSkipped(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "real", typeflag: tar.TypeReg, content: []byte("r")},
		{name: "s", typeflag: tar.TypeSymlink, linkname: "real"},
		{name: "h", typeflag: tar.TypeLink, linkname: "s"},
	})

	f := indexedFile(t, tarBytes)

	// Only regular files can be hardlink targets; a link to the symlink is
	// dropped, not aliased to the symlink's inode.
	names := direntNames(t, f, rootDirents(t, f))
	assert.Equal(t, []string{"real", "s"}, names)
}

func TestPathCleaning(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "a/../b", typeflag: tar.TypeReg, content: []byte("b")},
		{name: "./x", typeflag: tar.TypeReg, content: []byte("x")},
		{name: "../evil", typeflag: tar.TypeReg, content: []byte("e")},
	})

	f := indexedFile(t, tarBytes)

	// "a/../b" normalizes to "b", "./x" to "x"; the escaping entry is
	// dropped without failing the build.
	names := direntNames(t, f, rootDirents(t, f))
	assert.Equal(t, []string{"b", "x"}, names)
}

func TestDirentsAreByteLexicographic(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "zz", typeflag: tar.TypeReg, content: []byte("1")},
		{name: "a", typeflag: tar.TypeReg, content: []byte("2")},
		{name: "mm", typeflag: tar.TypeReg, content: []byte("3")},
	})

	f := indexedFile(t, tarBytes)

	dirents := rootDirents(t, f)
	names := direntNames(t, f, dirents)
	assert.Equal(t, []string{"a", "mm", "zz"}, names)

	// Name offsets advance contiguously in the same order, so the raw name
	// table region spells the names back to back.
	for i := 1; i < len(dirents); i++ {
		assert.Equal(t, dirents[i-1].NameOffset+dirents[i-1].NameLen, dirents[i].NameOffset)
	}

	raw := make([]byte, 5)
	_, err := f.ReadAt(raw, int64(dirents[0].NameOffset))
	require.NoError(t, err)
	assert.Equal(t, "ammzz", string(raw))
}

func TestConcreteLayerScenario(t *testing.T) {
	content := []byte("1234567890")
	tarBytes := buildTar(t, []tarEntry{
		{name: "hello.txt", typeflag: tar.TypeReg, content: content},
		{name: "dir/", typeflag: tar.TypeDir},
		{name: "link", typeflag: tar.TypeSymlink, linkname: "hello.txt"},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sb.InodeCount) // root + 3 entries

	inodes, err := ReadInodes(f, sb)
	require.NoError(t, err)
	assert.Equal(t, ModeDir|0o755, inodes[0].Mode)

	dirents := rootDirents(t, f)
	names := direntNames(t, f, dirents)
	require.Equal(t, []string{"dir", "hello.txt", "link"}, names)
	assert.Equal(t, TypeDir, dirents[0].Type)
	assert.Equal(t, TypeRegular, dirents[1].Type)
	assert.Equal(t, TypeSymlink, dirents[2].Type)

	// The regular file's inode points at its content inside the unmodified
	// tar stream.
	file := inodes[dirents[1].Ino-1]
	assert.Equal(t, uint64(len(content)), file.Size)
	got := make([]byte, file.Size)
	_, err = f.ReadAt(got, int64(file.Offset))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// The symlink's inode points at the link-name field of its header.
	link := inodes[dirents[2].Ino-1]
	assert.Equal(t, uint64(len("hello.txt")), link.Size)
	target := make([]byte, link.Size)
	_, err = f.ReadAt(target, int64(link.Offset))
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", string(target))
}

func TestLongSymlinkTargetIsSkipped(t *testing.T) {
	longTarget := strings.Repeat("a", 120)
	tarBytes := buildTar(t, []tarEntry{
		{name: "keep", typeflag: tar.TypeReg, content: []byte("k")},
		{name: "link", typeflag: tar.TypeSymlink, linkname: longTarget},
	})

	f := indexedFile(t, tarBytes)

	names := direntNames(t, f, rootDirents(t, f))
	assert.Equal(t, []string{"keep"}, names)
}

func TestLastEntryWinsWithoutDroppingChildren(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "d/child", typeflag: tar.TypeReg, content: []byte("c")},
		{name: "d/", typeflag: tar.TypeDir},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	inodes, err := ReadInodes(f, sb)
	require.NoError(t, err)

	dirents := rootDirents(t, f)
	require.Len(t, dirents, 1)
	assert.Equal(t, TypeDir, dirents[0].Type)

	d := inodes[dirents[0].Ino-1]
	children, err := ReadDirents(f, d)
	require.NoError(t, err)
	require.Len(t, children, 1, "re-encountering d/ must not discard its children")

	name, err := ReadName(f, children[0])
	require.NoError(t, err)
	assert.Equal(t, "child", name)
}

func TestInodeRecordsMtimeAndOwnership(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "f", typeflag: tar.TypeReg, content: []byte("z")},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	inodes, err := ReadInodes(f, sb)
	require.NoError(t, err)
	require.Len(t, inodes, 2)

	file := inodes[1]
	assert.Equal(t, ModeRegular|0o644, file.Mode)
	assert.Equal(t, uint32(1690000000), file.MtimeLo)
	assert.Equal(t, uint8(0), file.MtimeHi)
	assert.Equal(t, uint32(1000), file.Owner)
	assert.Equal(t, uint32(1000), file.Group)
}

func TestMalformedStreamFailsWithoutWriting(t *testing.T) {
	junk := bytes.Repeat([]byte("not a tar archive "), 60)
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, junk, 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	err = AppendIndex(f)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len(junk)), st.Size(), "a failed build must not grow the file")
}

func TestCorruptInodeCountIsRejected(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "f", typeflag: tar.TypeReg, content: []byte("z")},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)

	// An inode count larger than the file could possibly hold must be
	// rejected before any table is allocated.
	sb.InodeCount = 1 << 40
	_, err = ReadInodes(f, sb)
	assert.ErrorIs(t, err, common.ErrBadSuperblock)
}

func TestCorruptDirentTableIsRejected(t *testing.T) {
	tarBytes := buildTar(t, []tarEntry{
		{name: "f", typeflag: tar.TypeReg, content: []byte("z")},
	})

	f := indexedFile(t, tarBytes)

	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	inodes, err := ReadInodes(f, sb)
	require.NoError(t, err)

	root := inodes[0]
	root.Size = 1 << 40
	_, err = ReadDirents(f, root)
	assert.ErrorIs(t, err, common.ErrTruncatedIndex)
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in    string
		parts []string
		ok    bool
	}{
		{"a/../b", []string{"b"}, true},
		{"./x", []string{"x"}, true},
		{"a//b/./c", []string{"a", "b", "c"}, true},
		{"..", nil, false},
		{"../up", nil, false},
		{"dir/", []string{"dir"}, true},
	}
	for _, c := range cases {
		parts, ok := splitPath(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.parts, parts, c.in)
		}
	}
}
