package ext4fs

import "fmt"

// View is the "filesystem view" of spec.md §3: a handle bundling the
// superblock, per-group descriptors, the block- and inode-allocation
// bitmaps, and a shared I/O channel. The core package holds exactly two of
// these per transaction: old (read-as-is) and new (being constructed),
// and keeps their bitmaps mutually consistent as it runs.
//
// Grounded on disko's BasicDriver (a struct bundling a device handle, a
// cached superblock-equivalent, and block-allocation bookkeeping) but
// generalized since this tool operates on two such bundles sharing one
// backing store at once, rather than a single mounted driver instance.
type View struct {
	Super       *Superblock
	GroupDescs  []*GroupDescriptor
	BlockBitmap []*Bitmap // one per group
	InodeBitmap []*Bitmap // one per group
	Channel     *BlockChannel
	DescSize    int
}

// NewView constructs a View by reading the superblock, the whole group
// descriptor table, and every group's block/inode bitmaps off channel.
func NewView(channel *BlockChannel) (*View, error) {
	sbBuf, err := channel.ReadBlocks(0, 1)
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	// The superblock lives at byte offset 1024, which for a 1024-byte block
	// size is block 1; for larger block sizes it's the tail of block 0.
	var raw []byte
	if channel.BlockSize == 1024 {
		sbBuf2, err := channel.ReadBlocks(1, 1)
		if err != nil {
			return nil, fmt.Errorf("read superblock block: %w", err)
		}
		raw = sbBuf2
	} else {
		raw = sbBuf[1024:]
	}
	sb, err := ReadSuperblock(raw)
	if err != nil {
		return nil, err
	}

	descSize := GroupDescSize32
	if sb.Has64Bit() && int(sb.DescSize) >= GroupDescSize64 {
		descSize = GroupDescSize64
	}

	groupCount := sb.GroupCount()
	gdtBlock := uint64(sb.FirstDataBlock) + 1
	if channel.BlockSize == 1024 {
		gdtBlock = 2
	}
	gdtBytes := uint64(groupCount) * uint64(descSize)
	blockSize64 := uint64(sb.BlockSize())
	gdtBlocks := (gdtBytes + blockSize64 - 1) / blockSize64
	gdtBuf, err := channel.ReadBlocks(gdtBlock, uint(gdtBlocks))
	if err != nil {
		return nil, fmt.Errorf("read group descriptor table: %w", err)
	}

	descs := make([]*GroupDescriptor, groupCount)
	for g := uint32(0); g < groupCount; g++ {
		off := uint64(g) * uint64(descSize)
		gd, err := ReadGroupDescriptor(gdtBuf[off:off+uint64(descSize)], descSize)
		if err != nil {
			return nil, fmt.Errorf("parse group descriptor %d: %w", g, err)
		}
		descs[g] = gd
	}

	v := &View{
		Super:       sb,
		GroupDescs:  descs,
		BlockBitmap: make([]*Bitmap, groupCount),
		InodeBitmap: make([]*Bitmap, groupCount),
		Channel:     channel,
		DescSize:    descSize,
	}

	for g := uint32(0); g < groupCount; g++ {
		gd := descs[g]
		bbBuf, err := channel.ReadBlocks(gd.BlockBitmap(), 1)
		if err != nil {
			return nil, fmt.Errorf("read block bitmap for group %d: %w", g, err)
		}
		v.BlockBitmap[g] = NewBitmapFromBytes(bbBuf, uint(sb.BlocksPerGroup))

		ibBuf, err := channel.ReadBlocks(gd.InodeBitmap(), 1)
		if err != nil {
			return nil, fmt.Errorf("read inode bitmap for group %d: %w", g, err)
		}
		v.InodeBitmap[g] = NewBitmapFromBytes(ibBuf, uint(sb.InodesPerGroup))
	}

	return v, nil
}

// Clone deep-copies the view, suitable as the starting point for the "new"
// view of a transaction (spec.md §3: "new is duplicated from old").
func (v *View) Clone() *View {
	nv := &View{
		Super:       v.Super.Clone(),
		GroupDescs:  make([]*GroupDescriptor, len(v.GroupDescs)),
		BlockBitmap: make([]*Bitmap, len(v.BlockBitmap)),
		InodeBitmap: make([]*Bitmap, len(v.InodeBitmap)),
		Channel:     v.Channel,
		DescSize:    v.DescSize,
	}
	for i, gd := range v.GroupDescs {
		nv.GroupDescs[i] = gd.Clone()
	}
	for i, b := range v.BlockBitmap {
		nv.BlockBitmap[i] = b.Clone()
	}
	for i, b := range v.InodeBitmap {
		nv.InodeBitmap[i] = b.Clone()
	}
	return nv
}

// GroupOfBlock returns the block group number containing the given block.
func (v *View) GroupOfBlock(block uint64) uint32 {
	rel := block - uint64(v.Super.FirstDataBlock)
	return uint32(rel / uint64(v.Super.BlocksPerGroup))
}

// GroupOfInode returns the block group number and zero-based within-group
// index for a 1-based inode number, per spec.md §3's inode addressing rule.
func (v *View) GroupOfInode(inodeNum uint32) (group uint32, index uint32) {
	zero := inodeNum - 1
	group = zero / v.Super.InodesPerGroup
	index = zero % v.Super.InodesPerGroup
	return
}

// InodeOffset returns the absolute byte offset of the given inode number.
func (v *View) InodeOffset(inodeNum uint32) (uint64, error) {
	group, index := v.GroupOfInode(inodeNum)
	if int(group) >= len(v.GroupDescs) {
		return 0, fmt.Errorf("inode %d maps to out-of-range group %d", inodeNum, group)
	}
	gd := v.GroupDescs[group]
	tableBlock := gd.InodeTable()
	byteOffset := tableBlock*uint64(v.Super.BlockSize()) + uint64(index)*uint64(v.Super.InodeSize)
	return byteOffset, nil
}

// ReadInodeRecord reads the raw fixed-size inode record for inodeNum.
func (v *View) ReadInodeRecord(inodeNum uint32) ([]byte, error) {
	offset, err := v.InodeOffset(inodeNum)
	if err != nil {
		return nil, err
	}
	bs := uint64(v.Super.BlockSize())
	block := offset / bs
	within := offset % bs
	blocksNeeded := (within + uint64(v.Super.InodeSize) + bs - 1) / bs
	buf, err := v.Channel.ReadBlocks(block, uint(blocksNeeded))
	if err != nil {
		return nil, err
	}
	return buf[within : within+uint64(v.Super.InodeSize)], nil
}

// FlushGroupDescriptor serializes and writes one group descriptor back to
// its slot in the on-disk group descriptor table.
func (v *View) FlushGroupDescriptor(group uint32) error {
	if int(group) >= len(v.GroupDescs) {
		return fmt.Errorf("group %d out of range", group)
	}
	gdtBlock := uint64(v.Super.FirstDataBlock) + 1
	if v.Channel.BlockSize == 1024 {
		gdtBlock = 2
	}
	entryBytes := uint64(v.DescSize)
	byteOffset := uint64(group) * entryBytes
	blockSize := uint64(v.Channel.BlockSize)
	blockNum := gdtBlock + byteOffset/blockSize
	within := byteOffset % blockSize

	buf, err := v.Channel.ReadBlocks(blockNum, 1)
	if err != nil {
		return err
	}
	if err := v.GroupDescs[group].UpdateChecksum(v.Super, group, v.DescSize); err != nil {
		return err
	}
	gdBytes, err := v.GroupDescs[group].Bytes(v.DescSize)
	if err != nil {
		return err
	}
	copy(buf[within:within+entryBytes], gdBytes)
	return v.Channel.WriteBlocks(blockNum, buf)
}

// FlushSuperblock serializes and writes the superblock back to disk.
func (v *View) FlushSuperblock() error {
	sbBytes, err := v.Super.Bytes()
	if err != nil {
		return err
	}
	if v.Channel.BlockSize == 1024 {
		return v.Channel.WriteBlocks(1, sbBytes)
	}
	buf, err := v.Channel.ReadBlocks(0, 1)
	if err != nil {
		return err
	}
	copy(buf[1024:1024+SuperblockSize], sbBytes)
	return v.Channel.WriteBlocks(0, buf)
}

// FlushBitmaps writes every group's block and inode bitmaps back to disk.
func (v *View) FlushBitmaps() error {
	for g, gd := range v.GroupDescs {
		if err := v.Channel.WriteBlocks(gd.BlockBitmap(), v.BlockBitmap[g].Data()); err != nil {
			return fmt.Errorf("flush block bitmap for group %d: %w", g, err)
		}
		if err := v.Channel.WriteBlocks(gd.InodeBitmap(), v.InodeBitmap[g].Data()); err != nil {
			return fmt.Errorf("flush inode bitmap for group %d: %w", g, err)
		}
	}
	return nil
}
