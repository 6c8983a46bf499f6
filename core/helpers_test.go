package core_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// testImageLayout describes the tiny, single-group ext4 image
// buildMinimalView constructs: one group, a root directory at inode 2 with
// only "." and ".." entries, and a handful of free blocks and inodes left
// over for the transactions under test to work with.
const (
	testBlockSize      = 1024
	testTotalBlocks    = 16
	testBlocksPerGroup = 15
	testInodesPerGroup = 8
	testInodeSize      = 128

	testSuperblockBlock  = 1
	testGdtBlock         = 2
	testBlockBitmapBlock = 3
	testInodeBitmapBlock = 4
	testInodeTableBlock  = 5
	testRootDataBlock    = 6
)

// buildMinimalView assembles a tiny, byte-exact ext4 image entirely in
// memory and parses it back through ext4fs.NewView, the same path the
// command line tool uses on a real device. Grounded on the teacher's
// testing/images.go helper, which also hands tests a bytesextra-backed
// stream rather than a real file.
func buildMinimalView(t *testing.T) *ext4fs.View {
	t.Helper()

	raw := make([]byte, testTotalBlocks*testBlockSize)
	ch := ext4fs.NewBlockChannel(bytesextra.NewReadWriteSeeker(raw), testBlockSize, testTotalBlocks)

	blockBmp := ext4fs.NewBitmap(testBlocksPerGroup)
	blockBmp.MarkRange(0, 6) // blocks 1..6 (indices 0..5) are metadata + root data
	require.NoError(t, ch.WriteBlocks(testBlockBitmapBlock, blockBmp.Data()))

	inodeBmp := ext4fs.NewBitmap(testInodesPerGroup)
	inodeBmp.Mark(0) // inode 1, conventionally reserved
	inodeBmp.Mark(1) // inode 2, root directory
	require.NoError(t, ch.WriteBlocks(testInodeBitmapBlock, inodeBmp.Data()))

	gd := &ext4fs.GroupDescriptor{}
	gd.SetInodeTable(testInodeTableBlock)
	gd.BlockBitmapLo = testBlockBitmapBlock
	gd.InodeBitmapLo = testInodeBitmapBlock
	gd.SetFreeBlocksCount(testBlocksPerGroup - 6)
	gd.SetFreeInodesCount(testInodesPerGroup - 2)
	gd.SetUsedDirsCount(1)
	gd.SetItableUnused(testInodesPerGroup - 2)
	gdBytes, err := gd.Bytes(ext4fs.GroupDescSize32)
	require.NoError(t, err)
	gdtBuf := make([]byte, testBlockSize)
	copy(gdtBuf, gdBytes)
	require.NoError(t, ch.WriteBlocks(testGdtBlock, gdtBuf))

	rootEntries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: testBlockSize - 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
	}
	rootBuf, err := ext4fs.WriteDirBlock(rootEntries, testBlockSize)
	require.NoError(t, err)
	require.NoError(t, ch.WriteBlocks(testRootDataBlock, rootBuf))

	rootIno := &ext4fs.Inode{Mode: ext4fs.S_IFDIR | 0755, LinksCount: 2}
	var ptrs [15]uint32
	ptrs[0] = testRootDataBlock
	rootIno.SetLegacyBlockPointers(ptrs)
	writeTestInode(t, ch, 2, rootIno)

	sb := &ext4fs.Superblock{
		InodesCount:     testInodesPerGroup,
		BlocksCountLo:   testTotalBlocks,
		FreeInodesCount: testInodesPerGroup - 2,
		FirstDataBlock:  1,
		BlocksPerGroup:  testBlocksPerGroup,
		InodesPerGroup:  testInodesPerGroup,
		InodeSize:       testInodeSize,
	}
	sb.SetFreeBlocksCount(uint64(testBlocksPerGroup - 6))
	sbBytes, err := sb.Bytes()
	require.NoError(t, err)
	require.NoError(t, ch.WriteBlocks(testSuperblockBlock, sbBytes))

	view, err := ext4fs.NewView(ch)
	require.NoError(t, err)
	return view
}

// writeTestInode writes a single inode record into the test image's
// (single-block) inode table at the slot for inodeNum.
func writeTestInode(t *testing.T, ch *ext4fs.BlockChannel, inodeNum uint32, ino *ext4fs.Inode) {
	t.Helper()
	data, err := ino.Bytes(testInodeSize)
	require.NoError(t, err)

	buf, err := ch.ReadBlocks(testInodeTableBlock, 1)
	require.NoError(t, err)

	index := inodeNum - 1 // group 0, so (group, index) == inode number - 1
	off := uint64(index) * testInodeSize
	copy(buf[off:off+testInodeSize], data)
	require.NoError(t, ch.WriteBlocks(testInodeTableBlock, buf))
}
