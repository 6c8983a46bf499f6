package ext4fs_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirBlockRoundTrip(t *testing.T) {
	entries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
		{Inode: 13, RecordLength: 1000, FileType: ext4fs.FileTypeRegular, Name: "hello.txt"},
	}

	buf, err := ext4fs.WriteDirBlock(entries, 1024)
	require.NoError(t, err)
	require.Len(t, buf, 1024)

	parsed, err := ext4fs.ReadDirBlock(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	assert.Equal(t, ".", parsed[0].Name)
	assert.Equal(t, "..", parsed[1].Name)
	assert.EqualValues(t, 13, parsed[2].Inode)
	assert.Equal(t, "hello.txt", parsed[2].Name)
	// Final entry's record length is stretched to the end of the block.
	assert.EqualValues(t, 1024-12-12, parsed[2].RecordLength)
}

func TestDirEntryIsDeleted(t *testing.T) {
	assert.True(t, ext4fs.DirEntry{Inode: 0}.IsDeleted())
	assert.False(t, ext4fs.DirEntry{Inode: 5}.IsDeleted())
}

func TestReadDirBlockRejectsTruncatedHeader(t *testing.T) {
	_, err := ext4fs.ReadDirBlock(make([]byte, 3))
	assert.Error(t, err)
}

func TestReadDirBlockRejectsBadRecLen(t *testing.T) {
	buf := make([]byte, 16)
	// inode=1, rec_len=2 (too small to hold even the fixed header).
	buf[0] = 1
	buf[4] = 2
	_, err := ext4fs.ReadDirBlock(buf)
	assert.Error(t, err)
}

func TestRewriteDirBlockInodesAppliesMap(t *testing.T) {
	entries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 99, RecordLength: 1012, FileType: ext4fs.FileTypeRegular, Name: "a"},
	}
	buf, err := ext4fs.WriteDirBlock(entries, 1024)
	require.NoError(t, err)

	mapFn := func(old uint32) (uint32, bool) {
		if old == 99 {
			return 5000, true
		}
		return 0, false
	}

	out, changed, err := ext4fs.RewriteDirBlockInodes(buf, 1024, mapFn)
	require.NoError(t, err)
	require.True(t, changed)

	parsed, err := ext4fs.ReadDirBlock(out)
	require.NoError(t, err)
	assert.EqualValues(t, 2, parsed[0].Inode)
	assert.EqualValues(t, 5000, parsed[1].Inode)
}

func TestRewriteDirBlockInodesSkipsDeletedEntries(t *testing.T) {
	entries := []ext4fs.DirEntry{
		{Inode: 0, RecordLength: 1024, FileType: ext4fs.FileTypeUnknown, Name: ""},
	}
	buf, err := ext4fs.WriteDirBlock(entries, 1024)
	require.NoError(t, err)

	_, changed, err := ext4fs.RewriteDirBlockInodes(buf, 1024, func(uint32) (uint32, bool) {
		t.Fatal("mapFn must not be called for a deleted entry")
		return 0, false
	})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRewriteDirBlockInodesNoChange(t *testing.T) {
	entries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 1024, FileType: ext4fs.FileTypeDirectory, Name: "."},
	}
	buf, err := ext4fs.WriteDirBlock(entries, 1024)
	require.NoError(t, err)

	out, changed, err := ext4fs.RewriteDirBlockInodes(buf, 1024, func(uint32) (uint32, bool) { return 0, false })
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, buf, out)
}
