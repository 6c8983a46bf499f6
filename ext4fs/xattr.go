package ext4fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// XattrMagic identifies a valid external extended-attribute block.
const XattrMagic uint32 = 0xea020000

// xattrHeaderSize is the 32-byte header at the start of an EA block.
const xattrHeaderSize = 32

// xattrEntrySize is the fixed 16-byte portion of one EA entry record,
// excluding its variable-length name.
const xattrEntrySize = 16

// XattrBlockHeader is the fixed header of an external extended-attribute
// block. None of the example repos in this pack implement ext4 xattr
// parsing directly; this layout follows the same binary.Read/Write idiom
// used throughout this package (see superblock.go, groupdesc.go) applied to
// the well-known ext4_xattr_header record.
type XattrBlockHeader struct {
	Magic     uint32
	RefCount  uint32
	Blocks    uint32
	Hash      uint32
	Checksum  uint32
	Reserved  [3]uint32
}

// XattrEntry is one EA entry within a block (or within an inode's in-line EA
// space). ValueOffset is relative to the start of the owning block (or, for
// in-inode EAs, to the start of the in-inode EA area); ValueBlock holds the
// entry's e_value_inum, nonzero only for entries whose value lives in a
// dedicated EA inode. The shrink transaction renumbers it through the
// rewriter when that inode is renumbered.
type XattrEntry struct {
	NameLen     uint8
	NameIndex   uint8
	ValueOffset uint16
	ValueBlock  uint32
	ValueSize   uint32
	Hash        uint32
	Name        string
}

// ParseXattrBlock parses an external EA block: its header plus every entry
// until a zero NameLen terminator entry is hit.
func ParseXattrBlock(buf []byte) (*XattrBlockHeader, []XattrEntry, error) {
	if len(buf) < xattrHeaderSize {
		return nil, nil, fmt.Errorf("xattr block too small: %d bytes", len(buf))
	}
	hdr := &XattrBlockHeader{}
	if err := binary.Read(bytes.NewReader(buf[:xattrHeaderSize]), binary.LittleEndian, hdr); err != nil {
		return nil, nil, fmt.Errorf("parse xattr header: %w", err)
	}
	if hdr.Magic != XattrMagic {
		return nil, nil, fmt.Errorf("bad xattr block magic 0x%08x", hdr.Magic)
	}
	entries, err := parseXattrEntries(buf[xattrHeaderSize:])
	if err != nil {
		return nil, nil, err
	}
	return hdr, entries, nil
}

func parseXattrEntries(buf []byte) ([]XattrEntry, error) {
	var entries []XattrEntry
	off := 0
	for off+xattrEntrySize <= len(buf) {
		nameLen := buf[off]
		if nameLen == 0 {
			break
		}
		e := XattrEntry{
			NameLen:     nameLen,
			NameIndex:   buf[off+1],
			ValueOffset: binary.LittleEndian.Uint16(buf[off+2:]),
			ValueBlock:  binary.LittleEndian.Uint32(buf[off+4:]),
			ValueSize:   binary.LittleEndian.Uint32(buf[off+8:]),
			Hash:        binary.LittleEndian.Uint32(buf[off+12:]),
		}
		nameStart := off + xattrEntrySize
		nameEnd := nameStart + int(nameLen)
		if nameEnd > len(buf) {
			return nil, fmt.Errorf("xattr entry name at offset %d overruns buffer", off)
		}
		e.Name = string(buf[nameStart:nameEnd])
		entries = append(entries, e)
		// entries are packed on a 4-byte boundary.
		entryLen := xattrEntrySize + int(nameLen)
		entryLen = (entryLen + 3) &^ 3
		off += entryLen
	}
	return entries, nil
}

// WriteXattrBlock serializes a header and entry list back into a buffer of
// blockSize bytes. Only the header and the entry table are written; value
// bytes are not, so the rest of the returned buffer is zero and callers that
// rewrite an existing block copy its values over themselves.
func WriteXattrBlock(hdr *XattrBlockHeader, entries []XattrEntry, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	hdrBytes := make([]byte, xattrHeaderSize)
	bw := bytes.NewBuffer(hdrBytes[:0])
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("serialize xattr header: %w", err)
	}
	copy(buf, bw.Bytes())

	off := xattrHeaderSize
	for _, e := range entries {
		if off+xattrEntrySize+len(e.Name) > blockSize {
			return nil, fmt.Errorf("xattr entries overflow block of size %d", blockSize)
		}
		buf[off] = e.NameLen
		buf[off+1] = e.NameIndex
		binary.LittleEndian.PutUint16(buf[off+2:], e.ValueOffset)
		binary.LittleEndian.PutUint32(buf[off+4:], e.ValueBlock)
		binary.LittleEndian.PutUint32(buf[off+8:], e.ValueSize)
		binary.LittleEndian.PutUint32(buf[off+12:], e.Hash)
		copy(buf[off+xattrEntrySize:], e.Name)
		entryLen := xattrEntrySize + len(e.Name)
		entryLen = (entryLen + 3) &^ 3
		off += entryLen
	}
	return buf, nil
}

// InodeExtraIsizeOffset returns the byte offset, within an inode record, at
// which in-line extended attributes begin: immediately after the fixed
// 128-byte base plus ExtraIsize, which itself starts right after the
// fixed-size region ends at offset 128.
func InodeExtraIsizeOffset(extraIsize uint16) int {
	return 128 + int(extraIsize)
}
