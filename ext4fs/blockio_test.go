package ext4fs_test

import (
	"testing"

	"github.com/dargueta/ipgresize/ext4fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newTestChannel(t *testing.T, blockSize uint, totalBlocks uint64) *ext4fs.BlockChannel {
	stream := bytesextra.NewReadWriteSeeker(make([]byte, blockSize*uint(totalBlocks)))
	return ext4fs.NewBlockChannel(stream, blockSize, totalBlocks)
}

func TestBlockChannelWriteThenReadRoundTrip(t *testing.T) {
	ch := newTestChannel(t, 1024, 4)

	data := make([]byte, 1024*2)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, ch.WriteBlocks(1, data))

	got, err := ch.ReadBlocks(1, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlockChannelReadOutOfBoundsFails(t *testing.T) {
	ch := newTestChannel(t, 512, 4)

	_, err := ch.ReadBlocks(3, 2)
	assert.Error(t, err, "reading past the end of the device must fail")

	_, err = ch.ReadBlocks(4, 1)
	assert.Error(t, err, "reading at the device's block count must fail")
}

func TestBlockChannelWriteWrongSizeFails(t *testing.T) {
	ch := newTestChannel(t, 1024, 2)

	err := ch.WriteBlocks(0, make([]byte, 100))
	assert.Error(t, err, "data length not a multiple of block size must fail")
}

func TestBlockChannelZeroBlocks(t *testing.T) {
	ch := newTestChannel(t, 512, 2)

	junk := make([]byte, 512)
	for i := range junk {
		junk[i] = 0xff
	}
	require.NoError(t, ch.WriteBlocks(0, junk))

	require.NoError(t, ch.ZeroBlocks(0, 1))
	got, err := ch.ReadBlocks(0, 1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)
}
