package ext4fs_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

const (
	viewBlockSize      = 1024
	viewTotalBlocks    = 16
	viewBlocksPerGroup = 15
	viewInodesPerGroup = 8
	viewInodeSize      = 128

	viewSuperblockBlock  = 1
	viewGdtBlock         = 2
	viewBlockBitmapBlock = 3
	viewInodeBitmapBlock = 4
	viewInodeTableBlock  = 5
	viewRootDataBlock    = 6
)

// buildViewFixture assembles the same tiny single-group image as the core
// package's synthetic fixture, but locally, so ext4fs's own tests don't
// depend on an internal package.
func buildViewFixture(t *testing.T) (*ext4fs.View, *ext4fs.BlockChannel) {
	t.Helper()

	raw := make([]byte, viewTotalBlocks*viewBlockSize)
	ch := ext4fs.NewBlockChannel(bytesextra.NewReadWriteSeeker(raw), viewBlockSize, viewTotalBlocks)

	blockBmp := ext4fs.NewBitmap(viewBlocksPerGroup)
	blockBmp.MarkRange(0, 6)
	require.NoError(t, ch.WriteBlocks(viewBlockBitmapBlock, blockBmp.Data()))

	inodeBmp := ext4fs.NewBitmap(viewInodesPerGroup)
	inodeBmp.Mark(0)
	inodeBmp.Mark(1)
	require.NoError(t, ch.WriteBlocks(viewInodeBitmapBlock, inodeBmp.Data()))

	gd := &ext4fs.GroupDescriptor{}
	gd.SetInodeTable(viewInodeTableBlock)
	gd.BlockBitmapLo = viewBlockBitmapBlock
	gd.InodeBitmapLo = viewInodeBitmapBlock
	gd.SetFreeBlocksCount(viewBlocksPerGroup - 6)
	gd.SetFreeInodesCount(viewInodesPerGroup - 2)
	gd.SetUsedDirsCount(1)
	gdBytes, err := gd.Bytes(ext4fs.GroupDescSize32)
	require.NoError(t, err)
	gdtBuf := make([]byte, viewBlockSize)
	copy(gdtBuf, gdBytes)
	require.NoError(t, ch.WriteBlocks(viewGdtBlock, gdtBuf))

	rootEntries := []ext4fs.DirEntry{
		{Inode: 2, RecordLength: 12, FileType: ext4fs.FileTypeDirectory, Name: "."},
		{Inode: 2, RecordLength: viewBlockSize - 12, FileType: ext4fs.FileTypeDirectory, Name: ".."},
	}
	rootBuf, err := ext4fs.WriteDirBlock(rootEntries, viewBlockSize)
	require.NoError(t, err)
	require.NoError(t, ch.WriteBlocks(viewRootDataBlock, rootBuf))

	rootIno := &ext4fs.Inode{Mode: ext4fs.S_IFDIR | 0755, LinksCount: 2}
	var ptrs [15]uint32
	ptrs[0] = viewRootDataBlock
	rootIno.SetLegacyBlockPointers(ptrs)
	inoBytes, err := rootIno.Bytes(viewInodeSize)
	require.NoError(t, err)
	itableBuf := make([]byte, viewBlockSize)
	copy(itableBuf[viewInodeSize:2*viewInodeSize], inoBytes) // inode 2 is index 1
	require.NoError(t, ch.WriteBlocks(viewInodeTableBlock, itableBuf))

	sb := &ext4fs.Superblock{
		InodesCount:     viewInodesPerGroup,
		BlocksCountLo:   viewTotalBlocks,
		FreeInodesCount: viewInodesPerGroup - 2,
		FirstDataBlock:  1,
		BlocksPerGroup:  viewBlocksPerGroup,
		InodesPerGroup:  viewInodesPerGroup,
		InodeSize:       viewInodeSize,
	}
	sb.SetFreeBlocksCount(uint64(viewBlocksPerGroup - 6))
	sbBytes, err := sb.Bytes()
	require.NoError(t, err)
	require.NoError(t, ch.WriteBlocks(viewSuperblockBlock, sbBytes))

	view, err := ext4fs.NewView(ch)
	require.NoError(t, err)
	return view, ch
}

func TestNewViewParsesSingleGroupImage(t *testing.T) {
	view, _ := buildViewFixture(t)

	require.Len(t, view.GroupDescs, 1)
	require.Len(t, view.BlockBitmap, 1)
	require.Len(t, view.InodeBitmap, 1)
	assert.EqualValues(t, viewInodesPerGroup, view.Super.InodesPerGroup)
	assert.True(t, view.BlockBitmap[0].Test(0), "block 1 (superblock) must be marked used")
	assert.True(t, view.InodeBitmap[0].Test(1), "inode 2 (root) must be marked used")
}

func TestViewCloneIsIndependent(t *testing.T) {
	view, _ := buildViewFixture(t)
	clone := view.Clone()

	require.NotSame(t, view, clone)
	require.NotSame(t, view.Super, clone.Super)
	require.NotSame(t, view.GroupDescs[0], clone.GroupDescs[0])
	require.NotSame(t, view.BlockBitmap[0], clone.BlockBitmap[0])

	clone.Super.InodesPerGroup = 999
	clone.BlockBitmap[0].Mark(10)
	assert.NotEqual(t, view.Super.InodesPerGroup, clone.Super.InodesPerGroup)
	assert.False(t, view.BlockBitmap[0].Test(10))
}

func TestViewGroupOfBlock(t *testing.T) {
	view, _ := buildViewFixture(t)

	assert.EqualValues(t, 0, view.GroupOfBlock(1))
	assert.EqualValues(t, 0, view.GroupOfBlock(15))
}

func TestViewGroupOfInode(t *testing.T) {
	view, _ := buildViewFixture(t)

	group, index := view.GroupOfInode(2)
	assert.EqualValues(t, 0, group)
	assert.EqualValues(t, 1, index)

	group, index = view.GroupOfInode(1)
	assert.EqualValues(t, 0, group)
	assert.EqualValues(t, 0, index)
}

func TestViewInodeOffsetAndReadInodeRecord(t *testing.T) {
	view, _ := buildViewFixture(t)

	off, err := view.InodeOffset(2)
	require.NoError(t, err)
	assert.EqualValues(t, viewInodeTableBlock*viewBlockSize+viewInodeSize, off)

	raw, err := view.ReadInodeRecord(2)
	require.NoError(t, err)
	require.Len(t, raw, viewInodeSize)

	ino, err := ext4fs.ReadInode(raw, viewInodeSize)
	require.NoError(t, err)
	assert.True(t, ino.IsDir())
}

func TestViewInodeOffsetRejectsOutOfRangeGroup(t *testing.T) {
	view, _ := buildViewFixture(t)
	// Only one group exists; an inode number far beyond InodesPerGroup maps
	// to a group index with no matching descriptor.
	_, err := view.InodeOffset(1000)
	assert.Error(t, err)
}

func TestViewFlushSuperblockRoundTrips(t *testing.T) {
	view, _ := buildViewFixture(t)

	view.Super.InodesPerGroup = 16
	require.NoError(t, view.FlushSuperblock())

	reread, err := ext4fs.NewView(view.Channel)
	require.NoError(t, err)
	assert.EqualValues(t, 16, reread.Super.InodesPerGroup)
}

func TestViewFlushGroupDescriptorRoundTrips(t *testing.T) {
	view, _ := buildViewFixture(t)

	view.GroupDescs[0].SetFreeInodesCount(3)
	require.NoError(t, view.FlushGroupDescriptor(0))

	reread, err := ext4fs.NewView(view.Channel)
	require.NoError(t, err)
	assert.EqualValues(t, 3, reread.GroupDescs[0].FreeInodesCount())
}

func TestViewFlushGroupDescriptorRejectsOutOfRange(t *testing.T) {
	view, _ := buildViewFixture(t)
	err := view.FlushGroupDescriptor(5)
	assert.Error(t, err)
}

func TestViewFlushBitmapsRoundTrips(t *testing.T) {
	view, _ := buildViewFixture(t)

	view.BlockBitmap[0].Mark(9)
	view.InodeBitmap[0].Mark(4)
	require.NoError(t, view.FlushBitmaps())

	reread, err := ext4fs.NewView(view.Channel)
	require.NoError(t, err)
	assert.True(t, reread.BlockBitmap[0].Test(9))
	assert.True(t, reread.InodeBitmap[0].Test(4))
}
