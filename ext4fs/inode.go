package ext4fs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// Inode flag bits (the subset the resizer inspects or must preserve).
const (
	InodeFlagIndex      = 0x00001000
	InodeFlagExtents    = 0x00080000
	InodeFlagEaInode    = 0x00200000
	InodeFlagInlineData = 0x10000000
)

// InodeBlockArraySize is the size in bytes of the inode's Block union field,
// which holds either 15 legacy block pointers, an extent tree root, a
// symlink target, or inline file data, depending on flags.
const InodeBlockArraySize = 60

// Inode mirrors the fixed-size portion of an on-disk ext4 inode record.
// Field layout is grounded on the hcsshim ext4 writer's format.Inode struct
// (vendored into moby/moby), which lists the same ext4_inode fields in the
// same order as the kernel header.
type Inode struct {
	Mode                 uint16
	UidLo                uint16
	SizeLo               uint32
	Atime                uint32
	Ctime                uint32
	Mtime                uint32
	Dtime                uint32
	GidLo                uint16
	LinksCount           uint16
	BlocksLo             uint32
	Flags                uint32
	Version              uint32
	Block                [InodeBlockArraySize]byte
	Generation           uint32
	XattrBlockLo         uint32
	SizeHi               uint32
	ObsoleteFragmentAddr uint32
	BlocksHi             uint16
	XattrBlockHi         uint16
	UidHi                uint16
	GidHi                uint16
	ChecksumLo           uint16
	ReservedPad          uint16
	ExtraIsize           uint16
	ChecksumHi           uint16
	CtimeExtra           uint32
	MtimeExtra           uint32
	AtimeExtra           uint32
	Crtime               uint32
	CrtimeExtra          uint32
	VersionHi            uint32
	Projid               uint32
}

// ReadInode parses one fixed-size inode record. buf must be at least
// inodeSize bytes (the filesystem's s_inode_size); only the fields up to
// Projid are populated, matching good_old_inode layouts when inodeSize==128.
func ReadInode(buf []byte, inodeSize uint16) (*Inode, error) {
	if uint16(len(buf)) < inodeSize {
		return nil, fmt.Errorf("inode buffer too small: got %d, need %d", len(buf), inodeSize)
	}
	ino := &Inode{}
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &ino.Mode); err != nil {
		return nil, err
	}
	rest := []any{
		&ino.UidLo, &ino.SizeLo, &ino.Atime, &ino.Ctime, &ino.Mtime, &ino.Dtime,
		&ino.GidLo, &ino.LinksCount, &ino.BlocksLo, &ino.Flags, &ino.Version,
		&ino.Block, &ino.Generation, &ino.XattrBlockLo, &ino.SizeHi,
		&ino.ObsoleteFragmentAddr, &ino.BlocksHi, &ino.XattrBlockHi,
		&ino.UidHi, &ino.GidHi, &ino.ChecksumLo, &ino.ReservedPad,
	}
	for _, f := range rest {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("parse inode: %w", err)
		}
	}
	if inodeSize > 128 {
		extra := []any{
			&ino.ExtraIsize, &ino.ChecksumHi, &ino.CtimeExtra, &ino.MtimeExtra,
			&ino.AtimeExtra, &ino.Crtime, &ino.CrtimeExtra, &ino.VersionHi,
			&ino.Projid,
		}
		for _, f := range extra {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return nil, fmt.Errorf("parse inode (extra fields): %w", err)
			}
		}
	}
	return ino, nil
}

// Bytes serializes the inode back into a buffer of exactly inodeSize bytes.
// Any trailing space beyond the fields this struct knows about (when
// inodeSize exceeds the fields serialized here) is left zeroed; callers that
// need byte-exact round-tripping of vendor-specific extra-isize fields
// should preserve the original tail themselves before calling this.
func (ino *Inode) Bytes(inodeSize uint16) ([]byte, error) {
	buf := make([]byte, inodeSize)
	w := bytewriter.New(buf)
	fields := []any{
		ino.Mode, ino.UidLo, ino.SizeLo, ino.Atime, ino.Ctime, ino.Mtime,
		ino.Dtime, ino.GidLo, ino.LinksCount, ino.BlocksLo, ino.Flags,
		ino.Version, ino.Block, ino.Generation, ino.XattrBlockLo, ino.SizeHi,
		ino.ObsoleteFragmentAddr, ino.BlocksHi, ino.XattrBlockHi, ino.UidHi,
		ino.GidHi, ino.ChecksumLo, ino.ReservedPad,
	}
	if inodeSize > 128 {
		fields = append(fields,
			ino.ExtraIsize, ino.ChecksumHi, ino.CtimeExtra, ino.MtimeExtra,
			ino.AtimeExtra, ino.Crtime, ino.CrtimeExtra, ino.VersionHi,
			ino.Projid,
		)
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("serialize inode: %w", err)
		}
	}
	return buf, nil
}

func (ino *Inode) HasExtents() bool {
	return ino.Flags&InodeFlagExtents != 0
}

func (ino *Inode) HasInlineData() bool {
	return ino.Flags&InodeFlagInlineData != 0
}

func (ino *Inode) IsEaInode() bool {
	return ino.Flags&InodeFlagEaInode != 0
}

func (ino *Inode) IsDir() bool {
	return ino.Mode&S_IFMT == S_IFDIR
}

func (ino *Inode) IsRegular() bool {
	return ino.Mode&S_IFMT == S_IFREG
}

func (ino *Inode) IsSymlink() bool {
	return ino.Mode&S_IFMT == S_IFLNK
}

// FastSymlinkTarget returns the symlink target stored inline in Block, valid
// only when IsSymlink() and the target's length (SizeLo) fits in the 60-byte
// union (no blocks were allocated for the link).
func (ino *Inode) FastSymlinkTarget() string {
	n := ino.SizeLo
	if n > InodeBlockArraySize {
		n = InodeBlockArraySize
	}
	return string(ino.Block[:n])
}

// XattrBlock returns the single-block external EA location, or 0 if none.
func (ino *Inode) XattrBlock() uint64 {
	return (uint64(ino.XattrBlockHi) << 32) | uint64(ino.XattrBlockLo)
}

func (ino *Inode) SetXattrBlock(blk uint64) {
	ino.XattrBlockLo = uint32(blk)
	ino.XattrBlockHi = uint16(blk >> 32)
}

// BlocksCount returns the number of 512-byte sectors charged to this inode
// (the i_blocks accounting field, not to be confused with block count).
func (ino *Inode) BlocksCount() uint64 {
	return (uint64(ino.BlocksHi) << 32) | uint64(ino.BlocksLo)
}

func (ino *Inode) SetBlocksCount(v uint64) {
	ino.BlocksLo = uint32(v)
	ino.BlocksHi = uint16(v >> 32)
}

// LegacyBlockPointers interprets Block as the 15-entry indirect-block array
// (12 direct + single/double/triple indirect), valid only when
// !HasExtents() && !HasInlineData() && !IsSymlink().
func (ino *Inode) LegacyBlockPointers() [15]uint32 {
	var ptrs [15]uint32
	r := bytes.NewReader(ino.Block[:])
	binary.Read(r, binary.LittleEndian, &ptrs)
	return ptrs
}

func (ino *Inode) SetLegacyBlockPointers(ptrs [15]uint32) {
	w := bytewriter.New(ino.Block[:])
	binary.Write(w, binary.LittleEndian, &ptrs)
}

func (ino *Inode) Clone() *Inode {
	c := *ino
	return &c
}

// UpdateChecksum recomputes the inode's checksum fields in place for
// inodeNum, salted with sb.ChecksumSeed(). Grounded on
// diskfs-go-diskfs's inodeChecksum: the seed is chained with the inode
// number and generation before hashing the inode's own serialized bytes
// (with the checksum fields themselves zeroed), mirroring the kernel's
// ext4_inode_csum. No-op unless sb carries metadata_csum; ChecksumHi is
// only written when the inode is large enough to have one.
func (ino *Inode) UpdateChecksum(sb *Superblock, inodeNum uint32, inodeSize uint16) error {
	if !sb.HasMetadataChecksum() {
		return nil
	}
	savedLo, savedHi := ino.ChecksumLo, ino.ChecksumHi
	ino.ChecksumLo, ino.ChecksumHi = 0, 0
	buf, err := ino.Bytes(inodeSize)
	if err != nil {
		ino.ChecksumLo, ino.ChecksumHi = savedLo, savedHi
		return err
	}

	var numBytes, genBytes [4]byte
	binary.LittleEndian.PutUint32(numBytes[:], inodeNum)
	binary.LittleEndian.PutUint32(genBytes[:], ino.Generation)

	sum := CRC32c(sb.ChecksumSeed(), numBytes[:])
	sum = CRC32c(sum, genBytes[:])
	sum = CRC32c(sum, buf)

	ino.ChecksumLo = uint16(sum)
	if inodeSize > 128 && ino.ExtraIsize >= 4 {
		ino.ChecksumHi = uint16(sum >> 16)
	}
	return nil
}
