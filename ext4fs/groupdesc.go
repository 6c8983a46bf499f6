package ext4fs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// Group descriptor flags.
const (
	BgInodeUninit = 0x0001
	BgBlockUninit = 0x0002
	BgInodeZeroed = 0x0004
)

// GroupDescSize32, GroupDescSize64 are the on-disk sizes of a group
// descriptor record, depending on whether the 64BIT feature is enabled.
const (
	GroupDescSize32 = 32
	GroupDescSize64 = 64
)

// GroupDescriptor mirrors one entry of the group descriptor table. Field
// layout is grounded on the trustelem-go-diskfs ext4 group-descriptor
// reference; the Hi fields are only meaningful when the 64BIT feature is set
// and the descriptor size is 64 bytes.
type GroupDescriptor struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksCountLo uint16
	FreeInodesCountLo uint16
	UsedDirsCountLo   uint16
	Flags             uint16
	ExcludeBitmapLo   uint32
	BlockBitmapCsumLo uint16
	InodeBitmapCsumLo uint16
	ItableUnusedLo    uint16
	Checksum          uint16

	BlockBitmapHi     uint32
	InodeBitmapHi     uint32
	InodeTableHi      uint32
	FreeBlocksCountHi uint16
	FreeInodesCountHi uint16
	UsedDirsCountHi   uint16
	ItableUnusedHi    uint16
	ExcludeBitmapHi   uint32
	BlockBitmapCsumHi uint16
	InodeBitmapCsumHi uint16
	Reserved          uint32
}

// ReadGroupDescriptor parses one descriptor record. descSize must be 32 or
// 64; when 32, the Hi fields are left zeroed.
func ReadGroupDescriptor(buf []byte, descSize int) (*GroupDescriptor, error) {
	gd := &GroupDescriptor{}
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &gd.BlockBitmapLo); err != nil {
		return nil, err
	}
	fields := []any{
		&gd.InodeBitmapLo, &gd.InodeTableLo, &gd.FreeBlocksCountLo,
		&gd.FreeInodesCountLo, &gd.UsedDirsCountLo, &gd.Flags,
		&gd.ExcludeBitmapLo, &gd.BlockBitmapCsumLo, &gd.InodeBitmapCsumLo,
		&gd.ItableUnusedLo, &gd.Checksum,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("parse group descriptor: %w", err)
		}
	}
	if descSize >= GroupDescSize64 {
		hiFields := []any{
			&gd.BlockBitmapHi, &gd.InodeBitmapHi, &gd.InodeTableHi,
			&gd.FreeBlocksCountHi, &gd.FreeInodesCountHi, &gd.UsedDirsCountHi,
			&gd.ItableUnusedHi, &gd.ExcludeBitmapHi, &gd.BlockBitmapCsumHi,
			&gd.InodeBitmapCsumHi, &gd.Reserved,
		}
		for _, f := range hiFields {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return nil, fmt.Errorf("parse group descriptor (64bit tail): %w", err)
			}
		}
	}
	return gd, nil
}

// Bytes serializes the descriptor back to its on-disk form.
func (gd *GroupDescriptor) Bytes(descSize int) ([]byte, error) {
	buf := make([]byte, descSize)
	w := bytewriter.New(buf)
	fields := []any{
		gd.BlockBitmapLo, gd.InodeBitmapLo, gd.InodeTableLo, gd.FreeBlocksCountLo,
		gd.FreeInodesCountLo, gd.UsedDirsCountLo, gd.Flags, gd.ExcludeBitmapLo,
		gd.BlockBitmapCsumLo, gd.InodeBitmapCsumLo, gd.ItableUnusedLo, gd.Checksum,
	}
	if descSize >= GroupDescSize64 {
		fields = append(fields,
			gd.BlockBitmapHi, gd.InodeBitmapHi, gd.InodeTableHi,
			gd.FreeBlocksCountHi, gd.FreeInodesCountHi, gd.UsedDirsCountHi,
			gd.ItableUnusedHi, gd.ExcludeBitmapHi, gd.BlockBitmapCsumHi,
			gd.InodeBitmapCsumHi, gd.Reserved,
		)
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("serialize group descriptor: %w", err)
		}
	}
	return buf, nil
}

func (gd *GroupDescriptor) InodeTable() uint64 {
	return (uint64(gd.InodeTableHi) << 32) | uint64(gd.InodeTableLo)
}

func (gd *GroupDescriptor) SetInodeTable(blk uint64) {
	gd.InodeTableLo = uint32(blk)
	gd.InodeTableHi = uint32(blk >> 32)
}

func (gd *GroupDescriptor) BlockBitmap() uint64 {
	return (uint64(gd.BlockBitmapHi) << 32) | uint64(gd.BlockBitmapLo)
}

func (gd *GroupDescriptor) InodeBitmap() uint64 {
	return (uint64(gd.InodeBitmapHi) << 32) | uint64(gd.InodeBitmapLo)
}

func (gd *GroupDescriptor) FreeBlocksCount() uint32 {
	return (uint32(gd.FreeBlocksCountHi) << 16) | uint32(gd.FreeBlocksCountLo)
}

func (gd *GroupDescriptor) SetFreeBlocksCount(v uint32) {
	gd.FreeBlocksCountLo = uint16(v)
	gd.FreeBlocksCountHi = uint16(v >> 16)
}

func (gd *GroupDescriptor) FreeInodesCount() uint32 {
	return (uint32(gd.FreeInodesCountHi) << 16) | uint32(gd.FreeInodesCountLo)
}

func (gd *GroupDescriptor) SetFreeInodesCount(v uint32) {
	gd.FreeInodesCountLo = uint16(v)
	gd.FreeInodesCountHi = uint16(v >> 16)
}

func (gd *GroupDescriptor) UsedDirsCount() uint32 {
	return (uint32(gd.UsedDirsCountHi) << 16) | uint32(gd.UsedDirsCountLo)
}

func (gd *GroupDescriptor) SetUsedDirsCount(v uint32) {
	gd.UsedDirsCountLo = uint16(v)
	gd.UsedDirsCountHi = uint16(v >> 16)
}

func (gd *GroupDescriptor) ItableUnused() uint32 {
	return (uint32(gd.ItableUnusedHi) << 16) | uint32(gd.ItableUnusedLo)
}

func (gd *GroupDescriptor) SetItableUnused(v uint32) {
	gd.ItableUnusedLo = uint16(v)
	gd.ItableUnusedHi = uint16(v >> 16)
}

func (gd *GroupDescriptor) HasFlag(flag uint16) bool {
	return gd.Flags&flag != 0
}

func (gd *GroupDescriptor) ClearFlag(flag uint16) {
	gd.Flags &^= flag
}

func (gd *GroupDescriptor) SetFlag(flag uint16) {
	gd.Flags |= flag
}

func (gd *GroupDescriptor) Clone() *GroupDescriptor {
	c := *gd
	return &c
}

// groupDescChecksumCutoff is the byte offset of the Checksum field within a
// serialized descriptor; the checksum covers everything before it.
const groupDescChecksumCutoff = 30

// UpdateChecksum recomputes gd.Checksum in place for group, salted with sb's
// UUID. Grounded on trustelem-go-diskfs's groupDescriptorChecksum
// (metadata_csum case): crc32c over uuid ++ group-number ++ descriptor bytes
// up to (not including) the checksum field, truncated to the low 16 bits.
// No-op unless sb carries gdt_csum or metadata_csum.
func (gd *GroupDescriptor) UpdateChecksum(sb *Superblock, group uint32, descSize int) error {
	if !sb.HasGroupChecksums() {
		return nil
	}
	buf, err := gd.Bytes(descSize)
	if err != nil {
		return err
	}
	var groupBytes [4]byte
	binary.LittleEndian.PutUint32(groupBytes[:], group)

	input := make([]byte, 0, 16+4+groupDescChecksumCutoff)
	input = append(input, sb.UUID[:]...)
	input = append(input, groupBytes[:]...)
	input = append(input, buf[:groupDescChecksumCutoff]...)

	gd.Checksum = uint16(CRC32c(0, input))
	return nil
}
