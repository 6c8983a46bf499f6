package core_test

import (
	"testing"

	"github.com/dargueta/ipgresize/core"
	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkDirectoriesVisitsRootOnly(t *testing.T) {
	view := buildMinimalView(t)

	var visited []uint64
	err := core.WalkDirectories(view,
		func(b uint64) ([]byte, error) { return view.Channel.ReadBlocks(b, 1) },
		func(dirInode uint32, block uint64, buf []byte) error {
			assert.EqualValues(t, 2, dirInode)
			visited = append(visited, block)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []uint64{testRootDataBlock}, visited)
}

func TestWalkDirectoriesRecursesIntoSubdirectory(t *testing.T) {
	view := buildMinimalView(t)

	rootEntries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
		{Inode: 3, RecordLength: testBlockSize - 24, FileType: ext4fs.FileTypeDirectory, Name: "sub"},
	}
	rootBuf, err := ext4fs.WriteDirBlock(rootEntries, testBlockSize)
	require.NoError(t, err)
	require.NoError(t, view.Channel.WriteBlocks(testRootDataBlock, rootBuf))

	const subDataBlock = 7
	subEntries := []ext4fs.DirEntry{
		{Inode: 3, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: testBlockSize - 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
	}
	subBuf, err := ext4fs.WriteDirBlock(subEntries, testBlockSize)
	require.NoError(t, err)
	require.NoError(t, view.Channel.WriteBlocks(subDataBlock, subBuf))

	subIno := &ext4fs.Inode{Mode: ext4fs.S_IFDIR | 0755, LinksCount: 2}
	var ptrs [15]uint32
	ptrs[0] = subDataBlock
	subIno.SetLegacyBlockPointers(ptrs)
	writeTestInode(t, view.Channel, 3, subIno)

	var visited []uint64
	err = core.WalkDirectories(view,
		func(b uint64) ([]byte, error) { return view.Channel.ReadBlocks(b, 1) },
		func(dirInode uint32, block uint64, buf []byte) error {
			visited = append(visited, block)
			return nil
		})

	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{testRootDataBlock, subDataBlock}, visited)
}

func TestWalkDirectoriesDoesNotRevisitSameInodeTwice(t *testing.T) {
	view := buildMinimalView(t)

	// Two hard-linked names ("a" and "b") both pointing at the same
	// subdirectory inode must only be walked once.
	rootEntries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
		{Inode: 3, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "a"},
		{Inode: 3, RecordLength: testBlockSize - 36, FileType: ext4fs.FileTypeDirectory, Name: "b"},
	}
	rootBuf, err := ext4fs.WriteDirBlock(rootEntries, testBlockSize)
	require.NoError(t, err)
	require.NoError(t, view.Channel.WriteBlocks(testRootDataBlock, rootBuf))

	const subDataBlock = 7
	subEntries := []ext4fs.DirEntry{
		{Inode: 3, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: testBlockSize - 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
	}
	subBuf, err := ext4fs.WriteDirBlock(subEntries, testBlockSize)
	require.NoError(t, err)
	require.NoError(t, view.Channel.WriteBlocks(subDataBlock, subBuf))

	subIno := &ext4fs.Inode{Mode: ext4fs.S_IFDIR | 0755, LinksCount: 2}
	var ptrs [15]uint32
	ptrs[0] = subDataBlock
	subIno.SetLegacyBlockPointers(ptrs)
	writeTestInode(t, view.Channel, 3, subIno)

	visitCount := 0
	err = core.WalkDirectories(view,
		func(b uint64) ([]byte, error) { return view.Channel.ReadBlocks(b, 1) },
		func(dirInode uint32, block uint64, buf []byte) error {
			if block == subDataBlock {
				visitCount++
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, visitCount)
}
