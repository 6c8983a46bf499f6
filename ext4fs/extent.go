package ext4fs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// ExtentHeaderMagic identifies a valid extent-tree node.
const ExtentHeaderMagic uint16 = 0xf30a

// ExtentHeader is the 12-byte header at the start of an inode's Block field
// (when HasExtents()) or of any interior/leaf extent-tree block. Layout
// grounded on the hcsshim ext4 writer's format.ExtentHeader.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// ExtentIndexNode is one 12-byte entry of an interior (non-leaf) extent-tree
// node: it points at the block holding the next level down.
type ExtentIndexNode struct {
	Block    uint32
	LeafLo   uint32
	LeafHi   uint16
	Unused   uint16
}

// ExtentLeafNode is one 12-byte entry of a leaf extent-tree node: a run of
// Length logical blocks starting at Block, mapped to physical blocks
// starting at StartLo/StartHi.
type ExtentLeafNode struct {
	Block     uint32
	Length    uint16
	StartHi   uint16
	StartLo   uint32
}

// ExtentTail is the optional trailing checksum of an out-of-inode
// extent-tree block (present when the metadata_csum feature is enabled).
type ExtentTail struct {
	Checksum uint32
}

// Uninitialized reports whether this is an uninitialized ("unwritten")
// extent: the high bit of Length marks a preallocated-but-unwritten run.
func (l ExtentLeafNode) Uninitialized() bool {
	return l.Length > 32768
}

// RealLength returns the actual block count regardless of the
// initialized/uninitialized marker bit.
func (l ExtentLeafNode) RealLength() uint16 {
	if l.Uninitialized() {
		return l.Length - 32768
	}
	return l.Length
}

func (l ExtentLeafNode) StartBlock() uint64 {
	return (uint64(l.StartHi) << 32) | uint64(l.StartLo)
}

func (l *ExtentLeafNode) SetStartBlock(blk uint64) {
	l.StartLo = uint32(blk)
	l.StartHi = uint16(blk >> 32)
}

func (n ExtentIndexNode) LeafBlock() uint64 {
	return (uint64(n.LeafHi) << 32) | uint64(n.LeafLo)
}

func (n *ExtentIndexNode) SetLeafBlock(blk uint64) {
	n.LeafLo = uint32(blk)
	n.LeafHi = uint16(blk >> 32)
}

// ParseExtentHeader reads the 12-byte header at the start of buf.
func ParseExtentHeader(buf []byte) (*ExtentHeader, error) {
	h := &ExtentHeader{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("parse extent header: %w", err)
	}
	if h.Magic != ExtentHeaderMagic {
		return nil, fmt.Errorf("bad extent header magic 0x%04x", h.Magic)
	}
	return h, nil
}

func extentHeaderSize() int {
	return binary.Size(ExtentHeader{})
}

func extentEntrySize() int {
	return binary.Size(ExtentLeafNode{})
}

// ParseExtentLeaves parses a leaf node's header and entries. buf must start
// at the node's ExtentHeader.
func ParseExtentLeaves(buf []byte) (*ExtentHeader, []ExtentLeafNode, error) {
	h, err := ParseExtentHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	if h.Depth != 0 {
		return nil, nil, fmt.Errorf("ParseExtentLeaves called on interior node (depth %d)", h.Depth)
	}
	r := bytes.NewReader(buf[extentHeaderSize():])
	leaves := make([]ExtentLeafNode, 0, h.Entries)
	for i := uint16(0); i < h.Entries; i++ {
		var l ExtentLeafNode
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, nil, fmt.Errorf("parse extent leaf %d: %w", i, err)
		}
		leaves = append(leaves, l)
	}
	return h, leaves, nil
}

// ParseExtentIndex parses an interior node's header and index entries.
func ParseExtentIndex(buf []byte) (*ExtentHeader, []ExtentIndexNode, error) {
	h, err := ParseExtentHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	if h.Depth == 0 {
		return nil, nil, fmt.Errorf("ParseExtentIndex called on leaf node")
	}
	r := bytes.NewReader(buf[extentHeaderSize():])
	idx := make([]ExtentIndexNode, 0, h.Entries)
	for i := uint16(0); i < h.Entries; i++ {
		var n ExtentIndexNode
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, fmt.Errorf("parse extent index %d: %w", i, err)
		}
		idx = append(idx, n)
	}
	return h, idx, nil
}

// WriteExtentLeaves serializes a leaf node's header and entries back into a
// buffer of the given size (the inode's Block field or a full block).
func WriteExtentLeaves(h *ExtentHeader, leaves []ExtentLeafNode, size int) ([]byte, error) {
	buf := make([]byte, size)
	w := bytewriter.New(buf)
	h.Entries = uint16(len(leaves))
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	for i := range leaves {
		if err := binary.Write(w, binary.LittleEndian, &leaves[i]); err != nil {
			return nil, fmt.Errorf("serialize extent leaf %d: %w", i, err)
		}
	}
	return buf, nil
}

// WriteExtentIndex serializes an interior node's header and entries.
func WriteExtentIndex(h *ExtentHeader, idx []ExtentIndexNode, size int) ([]byte, error) {
	buf := make([]byte, size)
	w := bytewriter.New(buf)
	h.Entries = uint16(len(idx))
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	for i := range idx {
		if err := binary.Write(w, binary.LittleEndian, &idx[i]); err != nil {
			return nil, fmt.Errorf("serialize extent index %d: %w", i, err)
		}
	}
	return buf, nil
}

// WalkExtents walks the whole extent tree rooted at an inode's Block field,
// invoking leafFn on every leaf entry found (in any interior node, at any
// depth). readBlock fetches one filesystem block of extent-tree data given
// its physical block number; it is supplied by the caller so this function
// has no I/O dependency of its own (spec.md's reference rewriter and
// block-relocation engine each provide their own readBlock bound to the
// view they're operating on).
func WalkExtents(rootBuf []byte, readBlock func(block uint64) ([]byte, error), leafFn func(ExtentLeafNode) error) error {
	h, err := ParseExtentHeader(rootBuf)
	if err != nil {
		return err
	}
	if h.Depth == 0 {
		_, leaves, err := ParseExtentLeaves(rootBuf)
		if err != nil {
			return err
		}
		for _, l := range leaves {
			if err := leafFn(l); err != nil {
				return err
			}
		}
		return nil
	}
	_, idx, err := ParseExtentIndex(rootBuf)
	if err != nil {
		return err
	}
	for _, n := range idx {
		child, err := readBlock(n.LeafBlock())
		if err != nil {
			return fmt.Errorf("read extent child block %d: %w", n.LeafBlock(), err)
		}
		if err := WalkExtents(child, readBlock, leafFn); err != nil {
			return err
		}
	}
	return nil
}

// extentTailSize is the size of the optional trailing checksum record an
// out-of-inode extent-tree block carries when metadata_csum is enabled.
const extentTailSize = 4

// hasExtentTail reports whether a node's buffer has room for a trailing
// checksum after its Max entries: only the out-of-inode block form (a full
// filesystem block) ever does, never an inode's own inline Block field.
func hasExtentTail(buf []byte, h *ExtentHeader) bool {
	used := extentHeaderSize() + int(h.Max)*extentEntrySize()
	return len(buf) >= used+extentTailSize
}

// UpdateExtentBlockChecksum recomputes the trailing checksum of an
// out-of-inode extent-tree block in place, if the block has room for one.
// Mirrors the kernel's ext4_extent_block_csum: crc32c(seed, inode number)
// continued over every byte of the block except the checksum field itself.
func UpdateExtentBlockChecksum(buf []byte, sb *Superblock, inodeNum uint32) error {
	if !sb.HasMetadataChecksum() {
		return nil
	}
	h, err := ParseExtentHeader(buf)
	if err != nil {
		return err
	}
	if !hasExtentTail(buf, h) {
		return nil
	}
	var inoBytes [4]byte
	binary.LittleEndian.PutUint32(inoBytes[:], inodeNum)
	sum := CRC32c(sb.ChecksumSeed(), inoBytes[:])
	sum = CRC32c(sum, buf[:len(buf)-extentTailSize])
	binary.LittleEndian.PutUint32(buf[len(buf)-extentTailSize:], sum)
	return nil
}

// RewriteExtentLeaves walks the extent tree rooted at rootBuf and replaces
// each leaf's start block via mapFn, writing modified nodes back through
// writeBlock. Returns the (possibly unchanged) rewritten root buffer; the
// caller is responsible for writing that back into the owning inode or
// extent-tree block itself. sb/inodeNum drive the trailing-checksum
// recompute on any out-of-inode child block this rewrites; pass a nil sb to
// skip checksum recomputation entirely.
func RewriteExtentLeaves(
	rootBuf []byte,
	readBlock func(block uint64) ([]byte, error),
	writeBlock func(block uint64, data []byte) error,
	mapFn func(old uint64) (uint64, bool),
	sb *Superblock,
	inodeNum uint32,
) ([]byte, error) {
	h, err := ParseExtentHeader(rootBuf)
	if err != nil {
		return nil, err
	}
	if h.Depth == 0 {
		hdr, leaves, err := ParseExtentLeaves(rootBuf)
		if err != nil {
			return nil, err
		}
		changed := false
		for i := range leaves {
			if newStart, ok := mapFn(leaves[i].StartBlock()); ok {
				leaves[i].SetStartBlock(newStart)
				changed = true
			}
		}
		if !changed {
			return rootBuf, nil
		}
		return WriteExtentLeaves(hdr, leaves, len(rootBuf))
	}

	hdr, idx, err := ParseExtentIndex(rootBuf)
	if err != nil {
		return nil, err
	}
	changed := false
	for i := range idx {
		childBlock := idx[i].LeafBlock()
		child, err := readBlock(childBlock)
		if err != nil {
			return nil, fmt.Errorf("read extent child block %d: %w", childBlock, err)
		}
		newChild, err := RewriteExtentLeaves(child, readBlock, writeBlock, mapFn, sb, inodeNum)
		if err != nil {
			return nil, err
		}
		if newTarget, ok := mapFn(childBlock); ok {
			idx[i].SetLeafBlock(newTarget)
			childBlock = newTarget
			changed = true
		}
		if sb != nil {
			if err := UpdateExtentBlockChecksum(newChild, sb, inodeNum); err != nil {
				return nil, fmt.Errorf("checksum extent child block %d: %w", childBlock, err)
			}
		}
		if err := writeBlock(childBlock, newChild); err != nil {
			return nil, fmt.Errorf("write extent child block %d: %w", childBlock, err)
		}
	}
	if !changed {
		return rootBuf, nil
	}
	return WriteExtentIndex(hdr, idx, len(rootBuf))
}
