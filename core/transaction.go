package core

import "github.com/dargueta/ipgresize/ext4fs"

// Transaction bundles the old/new filesystem views and the scratch state a
// resize operation needs: reserved-destination bookkeeping, translation
// tables, bad blocks, and a progress callback. Modeled on
// original_source/resize2fs.h's struct ext2_resize_struct.
//
// Per SPEC_FULL.md's Open Question decision #1, the spec's single
// "move-blocks bitmap" (which the C original overloads for two different
// meanings across the block-relocation and allocation phases) is split here
// into two separate records: FreshAlloc (owned by the transaction, marked by
// the allocator, consulted by the rewriter so it never remaps a freshly
// allocated destination block) and the victims still to be moved out, which
// RelocationEngine records directly as pending moves in Bmap rather than in
// a bitmap of their own.
type Transaction struct {
	Old *ext4fs.View
	New *ext4fs.View

	// FreshAlloc marks blocks the allocator has handed out as destinations
	// during this transaction; the reference rewriter must never remap
	// these again even if bmap happens to also cover them.
	FreshAlloc *ext4fs.Bitmap

	// Reserved marks destinations the allocator must never return, because
	// they are already claimed for an upcoming inode table.
	Reserved *ext4fs.Bitmap

	Bmap *TranslationTable
	Imap *TranslationTable

	BadBlocks *BadBlocksList

	Progress ProgressFunc

	// NeededBlocks holds a count of blocks to relocate. Neither transaction
	// sets or reads it: no pre-flight estimate is computed, and a shortage
	// of free blocks surfaces as an error during relocation itself.
	NeededBlocks uint64
}

// NewTransaction duplicates old into a fresh "new" view and allocates empty
// scratch state, matching the "new is duplicated from old" lifecycle rule
// in spec.md §3.
func NewTransaction(old *ext4fs.View, progress ProgressFunc) *Transaction {
	totalBlocks := uint(old.Super.BlocksCount())
	return &Transaction{
		Old:        old,
		New:        old.Clone(),
		FreshAlloc: ext4fs.NewBitmap(totalBlocks),
		Reserved:   ext4fs.NewBitmap(totalBlocks),
		Bmap:       NewTranslationTable(),
		Imap:       NewTranslationTable(),
		BadBlocks:  NewBadBlocksList(nil),
		Progress:   progress,
	}
}

func (t *Transaction) report(pass Pass, cur, max uint64) error {
	if t.Progress == nil {
		return nil
	}
	if err := t.Progress(pass, cur, max); err != nil {
		return ErrAborted.WrapError(err)
	}
	return nil
}
