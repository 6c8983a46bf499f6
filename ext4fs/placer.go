package ext4fs

import "fmt"

// Placer finds contiguous runs of free units (blocks or inodes) within a
// Bitmap. Grounded on disko's drivers/common/allocatormap.go findRun/
// AllocateBlock logic: a linear scan with wraparound that remembers the
// last allocation point to avoid re-scanning from zero every time.
type Placer struct {
	bmp      *Bitmap
	lastHint uint
}

func NewPlacer(bmp *Bitmap) *Placer {
	return &Placer{bmp: bmp}
}

// FindRun locates the first free run of length units starting at or after
// hint, wrapping around to the start of the bitmap once if nothing is found
// in [hint, end). Runs never wrap across the end of the bitmap themselves.
// Returns ok == false if no such run exists anywhere.
func (p *Placer) FindRun(length uint, hint uint) (start uint, ok bool) {
	total := p.bmp.Units()
	if length == 0 || length > total {
		return 0, false
	}
	hint = hint % total
	if start, ok := p.findRunInRange(hint, total, length); ok {
		return start, true
	}
	return p.findRunInRange(0, hint, length)
}

// findRunInRange scans [lo, hi) for the first run of `length` consecutive
// free bits, entirely contained within the range.
func (p *Placer) findRunInRange(lo, hi uint, length uint) (uint, bool) {
	runStart := uint(0)
	runLen := uint(0)
	inRun := false
	for i := lo; i < hi; i++ {
		if p.bmp.Test(i) {
			inRun = false
			runLen = 0
			continue
		}
		if !inRun {
			runStart = i
			inRun = true
			runLen = 0
		}
		runLen++
		if runLen == length {
			return runStart, true
		}
	}
	return 0, false
}

// Allocate finds a free run of length units, marks it in-use, and updates
// the placement hint so the next search continues after this run.
func (p *Placer) Allocate(length uint) (start uint, err error) {
	start, ok := p.FindRun(length, p.lastHint)
	if !ok {
		return 0, fmt.Errorf("no free run of %d contiguous units available", length)
	}
	p.bmp.MarkRange(start, length)
	p.lastHint = start + length
	return start, nil
}

// AllocateAt marks [start, start+length) as in-use unconditionally, failing
// if any unit in the range is already marked. Used when the caller has
// already committed to a specific physical location (e.g. the last group's
// tail, or a position chosen by the block-relocation engine).
func (p *Placer) AllocateAt(start, length uint) error {
	if p.bmp.CountSet(start, length) != 0 {
		return fmt.Errorf("range [%d, %d) is not entirely free", start, start+length)
	}
	p.bmp.MarkRange(start, length)
	return nil
}

// Free marks [start, start+length) as free again.
func (p *Placer) Free(start, length uint) {
	p.bmp.UnmarkRange(start, length)
}

// FreeCount returns the number of free units over the whole bitmap.
func (p *Placer) FreeCount() uint {
	return p.bmp.Units() - p.bmp.CountSet(0, p.bmp.Units())
}
