package core

// AlignRangeToClusters implements spec.md §4.1: given a proposed
// (start, length) range to mark or unmark on a bigalloc filesystem, round it
// to whole clusters in place, the same way a block-range free has to if it's
// not going to free part of a cluster some other range still owns.
//
// The first block is advanced to the start of the next cluster if it isn't
// already aligned, ceding whatever's left of its own cluster to whichever
// earlier range owns that cluster's first block. The end is then EXTENDED
// out to the end of the cluster it falls in, using the original end (the one
// computed before the start was touched), since this range is assumed to own
// the rest of that cluster. Finally, a call that only ever touched one
// cluster, and didn't own that cluster's first block, backs the extension
// back out: some other, earlier-starting range owns it instead.
//
// Grounded on original_source/resize2fs_common.c's
// tweak_values_for_bigalloc(), which exists because
// ext2fs_block_alloc_stats_range() doesn't behave on bigalloc filesystems
// when handed unaligned ranges, and mkfs always places other group metadata
// before an inode table in a shared cluster, so only the range reaching a
// cluster's first block is ever the one responsible for freeing it.
func AlignRangeToClusters(start, length *uint64, ratio uint) {
	if ratio <= 1 || *length == 0 {
		return
	}
	r := uint64(ratio)
	origStart := *start
	end := origStart + *length - 1 // inclusive, fixed for the rest of this call

	if rem := origStart % r; rem != 0 {
		diff := r - rem
		*start = origStart + diff
		if *length <= diff {
			*length = 0
		} else {
			*length -= diff
		}
	}

	if end%r != r-1 && *length != 0 {
		*length += r - (end % r) - 1
	}

	// Only the range reaching a cluster's first block frees it; if this
	// range's (possibly advanced) start still lands past the start of the
	// cluster holding the original end, every block it has left sits in a
	// cluster it doesn't own, so undo the extension above.
	endClusterStart := end - end%r
	if *start > endClusterStart {
		if *length <= r {
			*length = 0
		} else {
			*length -= r
		}
	}
}
