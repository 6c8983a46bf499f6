package core

import (
	"fmt"

	"github.com/dargueta/ipgresize/ext4fs"
)

// RelocationEngine carves out room for each group's resized inode table and
// moves whatever data was in the way. Grounded on
// original_source/increase_inode_count.c's mark_table_blocks()/
// make_room_for_new_itables()/block_mover() trio: first mark every block
// that is fixed filesystem metadata and must never be touched, then for each
// group search for a free run big enough for the new inode table (widening
// the search to the whole flex_bg group when flex_bg is enabled), evacuating
// whatever data blocks are in the way when no untouched run is free.
type RelocationEngine struct {
	tx    *Transaction
	alloc *Allocator
}

func NewRelocationEngine(tx *Transaction, alloc *Allocator) *RelocationEngine {
	return &RelocationEngine{tx: tx, alloc: alloc}
}

// MarkTableBlocks marks every block that is fixed filesystem metadata in the
// new view (superblock and backup superblocks, group descriptor table and
// its backups, reserved GDT blocks, block/inode bitmaps, and the groups'
// current inode tables) into tx.Reserved, so PlanItableLocations never
// proposes putting a new inode table on top of another piece of metadata.
func (e *RelocationEngine) MarkTableBlocks() {
	sb := e.tx.New.Super
	bs := uint64(sb.BlockSize())
	gdtBytes := uint64(len(e.tx.New.GroupDescs)) * uint64(e.tx.New.DescSize)
	gdtBlocks := (gdtBytes + bs - 1) / bs

	for g, gd := range e.tx.New.GroupDescs {
		group := uint32(g)
		if e.hasSuperblockBackup(group) {
			base := e.groupFirstBlock(group)
			e.reserveRange(base, 1+gdtBlocks+uint64(sb.ReservedGdtBlocks))
		}
		e.reserveRange(gd.BlockBitmap(), 1)
		e.reserveRange(gd.InodeBitmap(), 1)
		e.reserveRange(gd.InodeTable(), uint64(sb.InodeBlocksPerGroup()))
	}
}

// hasSuperblockBackup reports whether group carries a backup superblock and
// group-descriptor-table copy, honoring sparse_super: group 0 always does;
// otherwise only groups 0, 1, and powers of 3, 5, 7.
func (e *RelocationEngine) hasSuperblockBackup(group uint32) bool {
	if group == 0 || group == 1 {
		return true
	}
	if !e.tx.New.Super.HasSparseSuper() {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		p := base
		for p <= group {
			if p == group {
				return true
			}
			p *= base
		}
	}
	return false
}

func (e *RelocationEngine) groupFirstBlock(group uint32) uint64 {
	return uint64(e.tx.New.Super.FirstDataBlock) + uint64(group)*uint64(e.tx.New.Super.BlocksPerGroup)
}

func (e *RelocationEngine) reserveRange(start, length uint64) {
	e.tx.Reserved.MarkRange(uint(start), uint(length))
}

// flexGroupRange returns the [lo, hi) group indices sharing a flex_bg
// window with group, or just [group, group+1) when flex_bg is disabled.
func (e *RelocationEngine) flexGroupRange(group uint32) (lo, hi uint32) {
	groupCount := uint32(len(e.tx.New.GroupDescs))
	if !e.tx.New.Super.HasFlexBg() || e.tx.New.Super.LogGroupsPerFlex == 0 {
		return group, group + 1
	}
	size := uint32(1) << e.tx.New.Super.LogGroupsPerFlex
	lo = (group / size) * size
	hi = lo + size
	if hi > groupCount {
		hi = groupCount
	}
	return lo, hi
}

// PlanItableLocations decides where each group's newly-sized inode table
// will live, returning a group -> new-itable-start-block map. It first
// tries the group's own flex_bg window for an already-free run; if none
// exists, it evacuates the least-disruptive run it can find there by
// moving any data blocks occupying it to fresh homes (recording the move
// in tx.Bmap), mirroring make_room_for_new_itables()'s fallback path.
// Mirrors inode_relocation_to_bigger_tables()'s per-group retry loop.
func (e *RelocationEngine) PlanItableLocations(newItableBlocks uint32) (map[uint32]uint64, error) {
	groupCount := uint32(len(e.tx.New.GroupDescs))
	locations := make(map[uint32]uint64, groupCount)

	for group := uint32(0); group < groupCount; group++ {
		lo, hi := e.flexGroupRange(group)
		loBlock := e.groupFirstBlock(lo)
		hiBlock := e.groupFirstBlock(hi)

		start, ok := e.scanFreeRun(loBlock, hiBlock, uint64(newItableBlocks))
		if !ok {
			var err error
			start, err = e.evacuateRun(loBlock, hiBlock, uint64(newItableBlocks))
			if err != nil {
				return nil, ErrNoProgress.WrapError(
					fmt.Errorf("group %d: %w", group, err))
			}
		}

		locations[group] = start
		e.reserveRange(start, uint64(newItableBlocks))

		if err := e.tx.report(PassBlockReloc, uint64(group)+1, uint64(groupCount)); err != nil {
			return nil, err
		}
	}
	return locations, nil
}

// scanFreeRun finds the first run of length contiguous blocks in [lo, hi)
// that are free in the new view's block bitmap and not already reserved.
// The actual run search is delegated to ext4fs.Placer (the same group-table
// placer spec.md §4.4 and §4.5 step 3 both name): blockUnavailable folds the
// new view's block bitmap, tx.Reserved, and tx.BadBlocks into one throwaway
// overlay bitmap over [lo, hi), and Placer.FindRun with hint 0 does a plain
// forward scan over it, equivalent to the old hand-rolled loop this replaces.
func (e *RelocationEngine) scanFreeRun(lo, hi, length uint64) (uint64, bool) {
	span := hi - lo
	overlay := ext4fs.NewBitmap(uint(span))
	for i := uint64(0); i < span; i++ {
		if e.blockUnavailable(lo + i) {
			overlay.Mark(uint(i))
		}
	}
	start, ok := ext4fs.NewPlacer(overlay).FindRun(uint(length), 0)
	if !ok {
		return 0, false
	}
	return lo + uint64(start), true
}

func (e *RelocationEngine) blockUnavailable(b uint64) bool {
	group := e.tx.New.GroupOfBlock(b)
	if int(group) >= len(e.tx.New.BlockBitmap) {
		return true
	}
	within := uint(b - e.groupFirstBlock(group))
	if e.tx.New.BlockBitmap[group].Test(within) {
		return true
	}
	if e.tx.Reserved.Test(uint(b)) {
		return true
	}
	if e.tx.BadBlocks.Test(b) {
		return true
	}
	return false
}

// evacuateRun picks the window of length blocks within [lo, hi) that holds
// the fewest in-use (movable) blocks, then relocates every in-use block in
// it to a freshly allocated destination elsewhere, recording each move in
// tx.Bmap. A candidate window containing a block pinned in tx.Reserved
// (inode tables, bitmaps, superblock copies) or listed in tx.BadBlocks is
// skipped, so evacuateRun only ever has to move ordinary file/directory data
// blocks out of the way.
func (e *RelocationEngine) evacuateRun(lo, hi, length uint64) (uint64, error) {
	if hi-lo < length {
		return 0, ErrNoSpace.WithMessage("flex window [%d, %d) is smaller than required run of %d", lo, hi, length)
	}

	bestStart := lo
	bestCost := uint64(length) + 1
	for start := lo; start+length <= hi; start++ {
		pinned := false
		for b := start; b < start+length && !pinned; b++ {
			pinned = e.tx.Reserved.Test(uint(b)) || e.tx.BadBlocks.Test(b)
		}
		if pinned {
			continue
		}
		cost := e.evacuationCost(start, length)
		if cost < bestCost {
			bestCost = cost
			bestStart = start
			if cost == 0 {
				break
			}
		}
	}
	if bestCost > length {
		return 0, ErrNoSpace.WithMessage("no window of %d blocks in [%d, %d) is free of reserved and bad blocks", length, lo, hi)
	}

	for b := bestStart; b < bestStart+length; b++ {
		if e.tx.Reserved.Test(uint(b)) {
			return 0, ErrNoProgress.WithMessage("candidate block %d became reserved during evacuation", b)
		}
		group := e.tx.New.GroupOfBlock(b)
		within := uint(b - e.groupFirstBlock(group))
		if !e.tx.New.BlockBitmap[group].Test(within) {
			continue
		}
		dest, err := e.alloc.Allocate()
		if err != nil {
			return 0, err
		}
		e.tx.Bmap.Add(b, dest)
	}
	return bestStart, nil
}

// evacuationCost counts how many blocks within [start, start+length) are
// currently in use in the new view, i.e. how many would need to move.
func (e *RelocationEngine) evacuationCost(start, length uint64) uint64 {
	cost := uint64(0)
	for b := start; b < start+length; b++ {
		group := e.tx.New.GroupOfBlock(b)
		within := uint(b - e.groupFirstBlock(group))
		if e.tx.New.BlockBitmap[group].Test(within) {
			cost++
		}
	}
	return cost
}

// ExecuteMoves physically copies every block tx.Bmap maps from its old
// location to its new one, via the shared channel. Destinations are always
// freshly allocated free blocks (never themselves a move source), so moves
// can run in any order without clobbering a not-yet-copied source.
// Mirrors block_mover()'s copy phase, run after the whole plan is built.
func (e *RelocationEngine) ExecuteMoves() error {
	runs := e.tx.Bmap.Runs()
	for i, r := range runs {
		for off := uint64(0); off < r.Length; off++ {
			data, err := e.tx.Old.Channel.ReadBlocks(r.OldStart+off, 1)
			if err != nil {
				return ErrIO.WrapError(err)
			}
			if err := e.tx.New.Channel.WriteBlocks(r.NewStart+off, data); err != nil {
				return ErrIO.WrapError(err)
			}
		}
		if err := e.tx.report(PassBlockReloc, uint64(i)+1, uint64(len(runs))); err != nil {
			return err
		}
	}
	return nil
}
