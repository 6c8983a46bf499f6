package core

import "github.com/dargueta/ipgresize/ext4fs"

// Allocator implements spec.md §4.2: a cursor-based block allocator shared
// by both transactions. Grounded on
// original_source/increase_inode_count.c's get_new_block()/
// resize2fs_get_alloc_block_stats_update(): walk forward from a cursor,
// skipping blocks already marked in the old view or reserved, wrapping once
// at the end of the address space, and failing only if the scan returns to
// its starting point twice.
type Allocator struct {
	tx     *Transaction
	cursor uint64
	wraps  int
}

// NewAllocator creates an allocator positioned at the filesystem's first
// data block, mirroring init_block_alloc()'s AVOID_OLD starting state.
func NewAllocator(tx *Transaction) *Allocator {
	return &Allocator{
		tx:     tx,
		cursor: uint64(tx.Old.Super.FirstDataBlock),
	}
}

// getNewBlock finds the next free block without marking anything, per
// get_new_block(): skip blocks set in the old view's block bitmap or in the
// reserved-destinations bitmap; wrap to first-data-block once; give up
// (return 0, false) if two full passes complete without success.
func (a *Allocator) getNewBlock() (uint64, bool) {
	total := a.tx.Old.Super.BlocksCount()
	first := uint64(a.tx.Old.Super.FirstDataBlock)

	for {
		if a.cursor >= total {
			a.wraps++
			if a.wraps >= 2 {
				return 0, false
			}
			a.cursor = first
			continue
		}

		group := a.tx.Old.GroupOfBlock(a.cursor)
		within := a.blockWithinGroup(a.cursor, group)

		oldUsed := a.tx.Old.BlockBitmap[group].Test(within)
		reserved := a.tx.Reserved.Test(uint(a.cursor))
		if oldUsed || reserved {
			a.cursor++
			continue
		}
		return a.cursor, true
	}
}

func (a *Allocator) blockWithinGroup(block uint64, group uint32) uint {
	first := uint64(a.tx.Old.Super.FirstDataBlock) + uint64(group)*uint64(a.tx.Old.Super.BlocksPerGroup)
	return uint(block - first)
}

// Allocate implements the allocate() operation: find a free block, mark it
// in the fresh-allocation bitmap so the rewriter skips it, and update
// statistics in BOTH views (dual-view update, per spec.md §4.2's rationale:
// during growth the new view is growing into blocks the old view still
// considers free, and both must agree or a future fsck will complain).
func (a *Allocator) Allocate() (uint64, error) {
	blk, ok := a.getNewBlock()
	if !ok {
		return 0, ErrNoSpace
	}
	a.cursor = blk + 1

	a.tx.FreshAlloc.Mark(uint(blk))

	a.markAllocatedIn(a.tx.Old, blk)
	a.markAllocatedIn(a.tx.New, blk)

	return blk, nil
}

// markAllocatedIn marks blk used in one view's block bitmap, increments
// that group's used-block accounting, and clears the block-bitmap-uninit
// flag for the containing group: the three effects get_alloc_block's
// stats-update variant applies to each view it's handed.
func (a *Allocator) markAllocatedIn(v *ext4fs.View, blk uint64) {
	group := v.GroupOfBlock(blk)
	within := a.blockWithinGroupOf(v, blk, group)
	if v.BlockBitmap[group].Test(within) {
		return
	}
	v.BlockBitmap[group].Mark(within)
	gd := v.GroupDescs[group]
	gd.SetFreeBlocksCount(gd.FreeBlocksCount() - 1)
	gd.ClearFlag(ext4fs.BgBlockUninit)
	v.Super.SetFreeBlocksCount(v.Super.FreeBlocksCount() - 1)
}

func (a *Allocator) blockWithinGroupOf(v *ext4fs.View, block uint64, group uint32) uint {
	first := uint64(v.Super.FirstDataBlock) + uint64(group)*uint64(v.Super.BlocksPerGroup)
	return uint(block - first)
}

// ReleaseRange frees [start, start+length) in both views, the mirror image
// of Allocate: growth and shrink both end up with stretches of blocks (an
// evacuated old inode table, a shrunk table's tail) that are no longer used
// anywhere and need to go back to "free" in both views' bitmaps and
// free-block counters. On a bigalloc filesystem the range is first rounded
// to whole clusters via AlignRangeToClusters, per spec.md §4.1, so a caller
// never has to reason about cluster ownership itself.
func (a *Allocator) ReleaseRange(start, length uint64) {
	if length == 0 {
		return
	}
	ratio := a.tx.New.Super.ClusterRatio()
	AlignRangeToClusters(&start, &length, ratio)
	if length == 0 {
		return
	}
	for blk := start; blk < start+length; blk++ {
		a.releaseIn(a.tx.Old, blk)
		a.releaseIn(a.tx.New, blk)
	}
}

// releaseIn unmarks blk in one view's block bitmap and bumps that group's
// and the superblock's free-block accounting, the inverse of markAllocatedIn.
func (a *Allocator) releaseIn(v *ext4fs.View, blk uint64) {
	group := v.GroupOfBlock(blk)
	within := a.blockWithinGroupOf(v, blk, group)
	if !v.BlockBitmap[group].Test(within) {
		return
	}
	v.BlockBitmap[group].Unmark(within)
	gd := v.GroupDescs[group]
	gd.SetFreeBlocksCount(gd.FreeBlocksCount() + 1)
	v.Super.SetFreeBlocksCount(v.Super.FreeBlocksCount() + 1)
}
