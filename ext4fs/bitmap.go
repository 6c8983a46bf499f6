package ext4fs

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

// Bitmap is a resizable bit-per-unit allocation map, backed by
// github.com/boljen/go-bitmap exactly as disko's drivers/common/allocatormap.go
// uses it, generalized here with range test/mark/unmark and set-bit iteration
// (spec.md §6's "bitmap primitives").
type Bitmap struct {
	bits  bitmap.Bitmap
	units uint
}

func NewBitmap(units uint) *Bitmap {
	return &Bitmap{bits: bitmap.New(int(units)), units: units}
}

// NewBitmapFromBytes wraps raw on-disk bitmap bytes (e.g. as read by
// BlockChannel.ReadBlocks) without copying semantics beyond what go-bitmap
// itself performs.
func NewBitmapFromBytes(data []byte, units uint) *Bitmap {
	b := &Bitmap{bits: bitmap.Bitmap(data), units: units}
	return b
}

func (b *Bitmap) Units() uint { return b.units }

func (b *Bitmap) Test(i uint) bool {
	return b.bits.Get(int(i))
}

func (b *Bitmap) Mark(i uint) {
	b.bits.Set(int(i), true)
}

func (b *Bitmap) Unmark(i uint) {
	b.bits.Set(int(i), false)
}

// MarkRange marks [start, start+length) as in-use.
func (b *Bitmap) MarkRange(start, length uint) {
	for i := start; i < start+length; i++ {
		b.bits.Set(int(i), true)
	}
}

// UnmarkRange marks [start, start+length) as free.
func (b *Bitmap) UnmarkRange(start, length uint) {
	for i := start; i < start+length; i++ {
		b.bits.Set(int(i), false)
	}
}

// ForEachSet invokes fn once per set bit, in ascending order.
func (b *Bitmap) ForEachSet(fn func(i uint)) {
	for i := uint(0); i < b.units; i++ {
		if b.bits.Get(int(i)) {
			fn(i)
		}
	}
}

// CountSet returns the number of set bits in [start, start+length).
func (b *Bitmap) CountSet(start, length uint) uint {
	count := uint(0)
	for i := start; i < start+length && i < b.units; i++ {
		if b.bits.Get(int(i)) {
			count++
		}
	}
	return count
}

// Data returns the raw backing bytes, suitable for writing back to disk via
// BlockChannel.WriteBlocks.
func (b *Bitmap) Data() []byte {
	return b.bits.Data(false)
}

// Clone returns a deep copy of the bitmap, independent storage.
func (b *Bitmap) Clone() *Bitmap {
	data := b.bits.Data(false)
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Bitmap{bits: bitmap.Bitmap(cp), units: b.units}
}

// Resize grows or shrinks the bitmap in place, preserving existing bits up to
// min(old, new) units. New units beyond the old size start unmarked (free).
func (b *Bitmap) Resize(newUnits uint) {
	nb := bitmap.New(int(newUnits))
	limit := b.units
	if newUnits < limit {
		limit = newUnits
	}
	for i := uint(0); i < limit; i++ {
		nb.Set(int(i), b.bits.Get(int(i)))
	}
	b.bits = nb
	b.units = newUnits
}

func (b *Bitmap) checkIndex(i uint) error {
	if i >= b.units {
		return fmt.Errorf("index %d out of range [0, %d)", i, b.units)
	}
	return nil
}
