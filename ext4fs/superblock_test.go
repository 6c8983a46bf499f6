package ext4fs_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSuperblock() *ext4fs.Superblock {
	return &ext4fs.Superblock{
		BlocksCountLo:  4096,
		FirstDataBlock: 1,
		BlocksPerGroup: 1024,
		InodesPerGroup: 256,
		InodeSize:      256,
		LogBlockSize:   0, // 1024-byte blocks
	}
}

func TestSuperblockBytesRoundTrip(t *testing.T) {
	sb := baseSuperblock()
	sb.FeatureIncompat = ext4fs.FeatureIncompatExtents
	sb.VolumeName = [16]byte{'r', 'o', 'o', 't'}

	raw, err := sb.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, ext4fs.SuperblockSize)

	parsed, err := ext4fs.ReadSuperblock(raw)
	require.NoError(t, err)

	assert.Equal(t, sb.BlocksCountLo, parsed.BlocksCountLo)
	assert.Equal(t, sb.VolumeName, parsed.VolumeName)
	assert.True(t, parsed.HasFlexBg() == false)
	assert.True(t, parsed.FeatureIncompat&ext4fs.FeatureIncompatExtents != 0)
}

func TestReadSuperblockRejectsShortBuffer(t *testing.T) {
	_, err := ext4fs.ReadSuperblock(make([]byte, 100))
	assert.Error(t, err)
}

func TestSuperblockFeatureHelpers(t *testing.T) {
	sb := baseSuperblock()
	assert.False(t, sb.HasFlexBg())
	assert.False(t, sb.HasStableInodeNumbers())

	sb.FeatureIncompat |= ext4fs.FeatureIncompatFlexBg | ext4fs.FeatureIncompatStableInode
	assert.True(t, sb.HasFlexBg())
	assert.True(t, sb.HasStableInodeNumbers())

	sb.FeatureRoCompat |= ext4fs.FeatureRoCompatMetadataCsum
	assert.True(t, sb.HasMetadataChecksum())
	assert.True(t, sb.HasGroupChecksums())
}

func TestSuperblockBlocksCount64Bit(t *testing.T) {
	sb := baseSuperblock()
	sb.FeatureIncompat |= ext4fs.FeatureIncompat64Bit
	sb.BlocksCountLo = 0xffffffff
	sb.BlocksCountHi = 1

	assert.EqualValues(t, (uint64(1)<<32)|0xffffffff, sb.BlocksCount())

	sb.SetBlocksCount(1 << 40)
	assert.EqualValues(t, 1<<40, sb.BlocksCount())
}

func TestSuperblockBlocksCount32BitIgnoresHi(t *testing.T) {
	sb := baseSuperblock()
	sb.BlocksCountHi = 7 // no 64bit feature: must be ignored
	assert.EqualValues(t, sb.BlocksCountLo, sb.BlocksCount())
}

func TestSuperblockGroupCount(t *testing.T) {
	sb := baseSuperblock()
	sb.BlocksCountLo = 1 + 1024*4 // first data block + 4 whole groups
	assert.EqualValues(t, 4, sb.GroupCount())

	sb.BlocksCountLo = 1 + 1024*4 + 1 // one extra block needs a 5th group
	assert.EqualValues(t, 5, sb.GroupCount())
}

func TestSuperblockInodeBlocksPerGroup(t *testing.T) {
	sb := baseSuperblock()
	// 256 inodes * 256 bytes = 65536 bytes; block size 1024 -> 64 blocks exactly.
	assert.EqualValues(t, 64, sb.InodeBlocksPerGroup())

	sb.InodesPerGroup = 257
	assert.EqualValues(t, 65, sb.InodeBlocksPerGroup())
}

func TestSuperblockErrorStateRoundTrip(t *testing.T) {
	sb := baseSuperblock()
	assert.False(t, sb.IsErrorState())

	sb.SetErrorState()
	assert.True(t, sb.IsErrorState())

	sb.ClearErrorState()
	assert.False(t, sb.IsErrorState())
}

func TestSuperblockCloneIsIndependent(t *testing.T) {
	sb := baseSuperblock()
	clone := sb.Clone()
	clone.InodesPerGroup = 999

	assert.EqualValues(t, 256, sb.InodesPerGroup)
	assert.EqualValues(t, 999, clone.InodesPerGroup)
}

func TestSuperblockBlockSizeFromLog(t *testing.T) {
	sb := baseSuperblock()
	sb.LogBlockSize = 2
	assert.EqualValues(t, 4096, sb.BlockSize())
}
