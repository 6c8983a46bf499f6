package core

import "github.com/dargueta/ipgresize/ext4fs"

// Rewriter implements spec.md §4.3's two duties: rewriting block references
// inside an inode after relocation (growth), and rewriting inode-number
// references inside directory entries and EA entries after renumbering
// (shrink). Grounded on original_source/increase_inode_count.c's
// update_block_reference() and reduce_inode_count.c's
// check_and_change_inodes()/fix_ea_*_entries().
type Rewriter struct {
	tx *Transaction

	// eaCache is a small LRU of four EA blocks, avoiding redundant rewrites
	// of a block shared by refcount > 1 inodes, per spec.md §4.3.
	eaCache eaLRU
}

func NewRewriter(tx *Transaction) *Rewriter {
	return &Rewriter{tx: tx}
}

// RewriteBlockReference translates one block reference using bmap, per
// update_block_reference(): if bmap maps block to a new location, use it,
// UNLESS the new location is itself freshly allocated this pass (meaning
// remapping it again would be wrong). Returns the possibly-unchanged block
// and whether a change was made.
func (r *Rewriter) RewriteBlockReference(block uint64) (uint64, bool) {
	newBlock, ok := r.tx.Bmap.Translate(block)
	if !ok {
		return block, false
	}
	if r.tx.FreshAlloc.Test(uint(newBlock)) {
		return block, false
	}
	return newBlock, true
}

// RewriteInodeBlocks walks an inode's data-block references (legacy
// indirect pointers or extent tree) via the ext4fs block iterator and
// substitutes any block bmap maps, including the ACL/EA block pointer.
// readBlock/writeBlock give the extent walker access to interior
// extent-tree nodes that live outside the inode itself. inodeNum is the
// inode's final (post-resize) number, used to refresh any out-of-inode
// extent block's trailing checksum even when no leaf actually moved, since
// shrink's renumbering alone makes a stale checksum wrong.
func (r *Rewriter) RewriteInodeBlocks(
	ino *ext4fs.Inode,
	inodeNum uint32,
	readBlock func(block uint64) ([]byte, error),
	writeBlock func(block uint64, data []byte) error,
) (changed bool, err error) {
	if xb := ino.XattrBlock(); xb != 0 {
		if newXb, ok := r.RewriteBlockReference(xb); ok {
			ino.SetXattrBlock(newXb)
			changed = true
		}
	}

	if ino.HasInlineData() || ino.IsSymlink() && ino.BlocksCount() == 0 {
		return changed, nil
	}

	mapFn := func(old uint64) (uint64, bool) {
		return r.RewriteBlockReference(old)
	}

	if ino.HasExtents() {
		newRoot, err := ext4fs.RewriteExtentLeaves(ino.Block[:], readBlock, writeBlock, mapFn, r.tx.New.Super, inodeNum)
		if err != nil {
			return changed, err
		}
		if string(newRoot) != string(ino.Block[:]) {
			copy(ino.Block[:], newRoot)
			changed = true
		}
		return changed, nil
	}

	ptrs := ino.LegacyBlockPointers()
	localChanged := false
	for i, p := range ptrs {
		if p == 0 {
			continue
		}
		if newP, ok := mapFn(uint64(p)); ok {
			ptrs[i] = uint32(newP)
			localChanged = true
		}
	}
	if localChanged {
		ino.SetLegacyBlockPointers(ptrs)
		changed = true
	}
	return changed, nil
}

// RewriteDirBlock applies imap to every entry's inode number in one
// directory block, owned by dirInode. If the filesystem has metadata
// checksums, forceRewrite should be true whenever the owning directory's own
// inode number changed, so the block is rewritten (and its checksum
// recomputed) even with no entry changes, per spec.md §4.3.
func (r *Rewriter) RewriteDirBlock(buf []byte, blockSize int, dirInode uint32, forceRewrite bool) ([]byte, bool, error) {
	mapFn := func(old uint32) (uint32, bool) {
		newIno, ok := r.tx.Imap.Translate(uint64(old))
		if !ok {
			return old, false
		}
		return uint32(newIno), true
	}
	out, changed, err := ext4fs.RewriteDirBlockInodes(buf, blockSize, mapFn)
	if err != nil {
		return nil, false, err
	}
	if !changed && forceRewrite {
		out, changed = buf, true
	}
	if changed {
		ext4fs.UpdateDirBlockChecksum(out, r.tx.New.Super, dirInode)
	}
	return out, changed, nil
}

// RewriteXattrEntries applies imap to every EA entry's e_value_inum that
// exceeds lastIno (the post-resize inode-count ceiling), for both in-inode
// EA entries and entries within an external EA block. Grounded on
// reduce_inode_count.c's fix_ea_ibody_entries()/fix_ea_block_entries().
func (r *Rewriter) RewriteXattrEntries(entries []ext4fs.XattrEntry, lastIno uint32) (changed bool) {
	for i := range entries {
		inum := entries[i].ValueBlock
		if inum == 0 || uint32(inum) <= lastIno {
			continue
		}
		if newIno, ok := r.tx.Imap.Translate(uint64(inum)); ok {
			entries[i].ValueBlock = uint32(newIno)
			changed = true
		}
	}
	return changed
}

// RewriteInodeXattrEntries locates ino's external extended-attribute block,
// if it has one, via its ACL-block pointer, and rewrites any entry whose
// e_value_inum was renumbered, writing the block back only if something
// changed. A block shared by several inodes (refcount > 1) is skipped on
// every visit after its first, via eaCache, so it's never rewritten twice in
// the same pass. Grounded on reduce_inode_count.c's
// fix_ea_block_entries()/fix_ea_ibody_entries() being driven from the same
// per-inode pass that fixes up block and directory references.
func (r *Rewriter) RewriteInodeXattrEntries(
	ino *ext4fs.Inode,
	lastIno uint32,
	readBlock func(block uint64) ([]byte, error),
	writeBlock func(block uint64, data []byte) error,
) error {
	blk := ino.XattrBlock()
	if blk == 0 || r.eaCache.Seen(blk) {
		return nil
	}
	buf, err := readBlock(blk)
	if err != nil {
		return err
	}
	hdr, entries, err := ext4fs.ParseXattrBlock(buf)
	if err != nil {
		return err
	}
	if !r.RewriteXattrEntries(entries, lastIno) {
		return nil
	}
	out, err := ext4fs.WriteXattrBlock(hdr, entries, len(buf))
	if err != nil {
		return err
	}
	// WriteXattrBlock emits only the header and entry table; carry each
	// in-block value over from the original block unchanged.
	for _, e := range entries {
		end := int(e.ValueOffset) + int(e.ValueSize)
		if e.ValueBlock != 0 || e.ValueSize == 0 || end > len(buf) {
			continue
		}
		copy(out[e.ValueOffset:end], buf[e.ValueOffset:end])
	}
	return writeBlock(blk, out)
}

// eaLRU is a 4-slot least-recently-used cache of visited EA block numbers,
// so a block shared by several inodes (refcount > 1) isn't rewritten
// redundantly when several inodes referencing it are visited in the same
// pass. Slot 0 holds the most recently seen block.
type eaLRU struct {
	slots [4]uint64
	used  [4]bool
}

// Seen records blk as the most recently visited block and reports whether it
// was already present; when all slots are full, the least recently seen
// block is dropped.
func (c *eaLRU) Seen(blk uint64) bool {
	pos, found := 3, false
	for i := 0; i < 4; i++ {
		if c.used[i] && c.slots[i] == blk {
			pos, found = i, true
			break
		}
	}
	copy(c.slots[1:pos+1], c.slots[:pos])
	copy(c.used[1:pos+1], c.used[:pos])
	c.slots[0], c.used[0] = blk, true
	return found
}
