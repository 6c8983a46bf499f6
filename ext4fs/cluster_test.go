package ext4fs_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
)

func TestClusterConversionsWithRatio(t *testing.T) {
	const ratio = 8

	assert.EqualValues(t, 0, ext4fs.BlockToCluster(0, ratio))
	assert.EqualValues(t, 1, ext4fs.BlockToCluster(8, ratio))
	assert.EqualValues(t, 1, ext4fs.BlockToCluster(15, ratio))

	assert.EqualValues(t, 0, ext4fs.ClusterToBlock(0, ratio))
	assert.EqualValues(t, 16, ext4fs.ClusterToBlock(2, ratio))
}

func TestClusterAlignment(t *testing.T) {
	const ratio = 4

	assert.True(t, ext4fs.IsClusterAligned(0, ratio))
	assert.True(t, ext4fs.IsClusterAligned(8, ratio))
	assert.False(t, ext4fs.IsClusterAligned(5, ratio))

	assert.EqualValues(t, 8, ext4fs.AlignUpToCluster(5, ratio))
	assert.EqualValues(t, 8, ext4fs.AlignUpToCluster(8, ratio))
	assert.EqualValues(t, 4, ext4fs.AlignDownToCluster(5, ratio))
	assert.EqualValues(t, 8, ext4fs.AlignDownToCluster(8, ratio))
}

func TestClusterRange(t *testing.T) {
	first, last := ext4fs.ClusterRange(3, 4)
	assert.EqualValues(t, 12, first)
	assert.EqualValues(t, 15, last)
}

func TestClustersSpanning(t *testing.T) {
	// A run of 5 blocks starting mid-cluster (block 6, ratio 4) touches
	// clusters 1 (blocks 4-7) and 2 (blocks 8-11): two clusters.
	assert.EqualValues(t, 2, ext4fs.ClustersSpanning(6, 5, 4))
	assert.EqualValues(t, 0, ext4fs.ClustersSpanning(0, 0, 4))
	assert.EqualValues(t, 1, ext4fs.ClustersSpanning(0, 4, 4))
}

func TestClusterRatioOfOneWhenNoBigalloc(t *testing.T) {
	sb := &ext4fs.Superblock{LogBlockSize: 2} // 4096-byte blocks
	assert.EqualValues(t, 1, sb.ClusterRatio())
	assert.EqualValues(t, sb.BlockSize(), sb.ClusterSize())
}
