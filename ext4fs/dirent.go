package ext4fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Directory entry file-type tags, grounded on the hcsshim ext4 writer's
// format.FileType enum.
type FileType uint8

const (
	FileTypeUnknown      FileType = 0x0
	FileTypeRegular      FileType = 0x1
	FileTypeDirectory    FileType = 0x2
	FileTypeCharacter    FileType = 0x3
	FileTypeBlock        FileType = 0x4
	FileTypeFIFO         FileType = 0x5
	FileTypeSocket       FileType = 0x6
	FileTypeSymbolicLink FileType = 0x7
	fileTypeChecksum     FileType = 0xde // fake entry marking a checksum tail
)

// dirEntryHeaderSize is the fixed portion preceding the variable-length name:
// inode (4) + rec_len (2) + name_len (1) + file_type (1).
const dirEntryHeaderSize = 8

// DirEntry is one parsed directory-block entry. Name is not NUL-terminated.
type DirEntry struct {
	Inode        uint32
	RecordLength uint16
	FileType     FileType
	Name         string
}

// IsDeleted reports whether this slot no longer names a live inode (the
// ext4 convention is inode == 0 for a tombstoned/coalesced entry).
func (d DirEntry) IsDeleted() bool {
	return d.Inode == 0
}

// ReadDirBlock parses every directory entry record packed into one
// directory block, in on-disk order, including the trailing padding entry
// if one exists (an entry whose RecordLength runs to the end of the block
// with Inode == 0). Layout grounded on the hcsshim writer's DirectoryEntry
// record and on the masahiro331-go-ext4 reader's directory-block iteration.
func ReadDirBlock(buf []byte) ([]DirEntry, error) {
	var entries []DirEntry
	off := 0
	for off < len(buf) {
		if off+dirEntryHeaderSize > len(buf) {
			return nil, fmt.Errorf("truncated directory entry header at offset %d", off)
		}
		r := bytes.NewReader(buf[off:])
		var inode uint32
		var recLen uint16
		var nameLen uint8
		var ftype uint8
		for _, f := range []any{&inode, &recLen, &nameLen, &ftype} {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return nil, fmt.Errorf("parse directory entry at offset %d: %w", off, err)
			}
		}
		if recLen < dirEntryHeaderSize || off+int(recLen) > len(buf) {
			return nil, fmt.Errorf("directory entry at offset %d has invalid rec_len %d", off, recLen)
		}
		name := ""
		if inode != 0 && nameLen > 0 {
			nameEnd := off + dirEntryHeaderSize + int(nameLen)
			if nameEnd > len(buf) {
				return nil, fmt.Errorf("directory entry name at offset %d overruns block", off)
			}
			name = string(buf[off+dirEntryHeaderSize : nameEnd])
		}
		entries = append(entries, DirEntry{
			Inode:        inode,
			RecordLength: recLen,
			FileType:     FileType(ftype),
			Name:         name,
		})
		off += int(recLen)
	}
	return entries, nil
}

// WriteDirBlock serializes entries back into a buffer of blockSize bytes.
// The final entry's RecordLength is stretched to consume any remainder of
// the block, matching how the kernel packs the last entry in a leaf block.
func WriteDirBlock(entries []DirEntry, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	off := 0
	for i, e := range entries {
		recLen := int(e.RecordLength)
		if i == len(entries)-1 {
			recLen = blockSize - off
		}
		if off+recLen > blockSize {
			return nil, fmt.Errorf("directory entries overflow block of size %d", blockSize)
		}
		binary.LittleEndian.PutUint32(buf[off:], e.Inode)
		binary.LittleEndian.PutUint16(buf[off+4:], uint16(recLen))
		buf[off+6] = byte(len(e.Name))
		buf[off+7] = byte(e.FileType)
		copy(buf[off+dirEntryHeaderSize:], e.Name)
		off += recLen
	}
	return buf, nil
}

// dirBlockTailSize is the size of the optional trailing checksum record a
// metadata_csum directory block carries: a fake directory entry (inode=0,
// rec_len=12, name_len=0, file_type=0xde) whose last 4 bytes hold the
// checksum itself, grounded on the ext4_dir_entry_tail layout.
const dirBlockTailSize = 12

// HasChecksumTail reports whether the last record of a directory block is
// the fake checksum-tail entry rather than a real directory entry.
func HasChecksumTail(buf []byte) bool {
	if len(buf) < dirBlockTailSize {
		return false
	}
	tail := buf[len(buf)-dirBlockTailSize:]
	inode := binary.LittleEndian.Uint32(tail[0:4])
	recLen := binary.LittleEndian.Uint16(tail[4:6])
	nameLen := tail[6]
	ftype := FileType(tail[7])
	return inode == 0 && recLen == dirBlockTailSize && nameLen == 0 && ftype == fileTypeChecksum
}

// UpdateDirBlockChecksum recomputes the trailing checksum record of a
// directory block in place, if one is present. Mirrors the kernel's
// ext4_dirent_csum: crc32c(seed, dirInode) continued over every byte of the
// block except the checksum field itself. No-op unless sb carries
// metadata_csum and the block carries a checksum tail.
func UpdateDirBlockChecksum(buf []byte, sb *Superblock, dirInode uint32) bool {
	if !sb.HasMetadataChecksum() || !HasChecksumTail(buf) {
		return false
	}
	var inoBytes [4]byte
	binary.LittleEndian.PutUint32(inoBytes[:], dirInode)
	sum := CRC32c(sb.ChecksumSeed(), inoBytes[:])
	sum = CRC32c(sum, buf[:len(buf)-4])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], sum)
	return true
}

// RewriteDirBlockInodes applies mapFn to every live entry's inode number and
// returns the new serialized block alongside whether anything changed.
func RewriteDirBlockInodes(buf []byte, blockSize int, mapFn func(old uint32) (uint32, bool)) ([]byte, bool, error) {
	entries, err := ReadDirBlock(buf)
	if err != nil {
		return nil, false, err
	}
	changed := false
	for i := range entries {
		if entries[i].IsDeleted() {
			continue
		}
		if newInode, ok := mapFn(entries[i].Inode); ok {
			entries[i].Inode = newInode
			changed = true
		}
	}
	if !changed {
		return buf, false, nil
	}
	out, err := WriteDirBlock(entries, blockSize)
	return out, true, err
}
