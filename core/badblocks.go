package core

import "sort"

// BadBlocksList is the ordered set of block numbers known to be bad,
// spec.md §3's badblocks list: the allocator and relocation engine must
// skip these, and eviction by relocation removes the entry. Membership is
// held in a Go map for O(1) lookup, plus an ordered slice so iteration (for
// rewriting the bad-blocks inode) stays stable.
type BadBlocksList struct {
	set    map[uint64]struct{}
	blocks []uint64
}

func NewBadBlocksList(initial []uint64) *BadBlocksList {
	l := &BadBlocksList{set: make(map[uint64]struct{}, len(initial))}
	for _, b := range initial {
		l.Add(b)
	}
	return l
}

func (l *BadBlocksList) Add(block uint64) {
	if _, ok := l.set[block]; ok {
		return
	}
	l.set[block] = struct{}{}
	l.blocks = append(l.blocks, block)
	sort.Slice(l.blocks, func(i, j int) bool { return l.blocks[i] < l.blocks[j] })
}

func (l *BadBlocksList) Remove(block uint64) {
	if _, ok := l.set[block]; !ok {
		return
	}
	delete(l.set, block)
	for i, b := range l.blocks {
		if b == block {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			break
		}
	}
}

func (l *BadBlocksList) Test(block uint64) bool {
	_, ok := l.set[block]
	return ok
}

// Blocks returns the bad block numbers in ascending order.
func (l *BadBlocksList) Blocks() []uint64 {
	return l.blocks
}

func (l *BadBlocksList) Len() int {
	return len(l.blocks)
}
