package ext4fs

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32c continues a crc32c computation from seed over data. ext4's
// metadata_csum feature chains this primitive across a group number, inode
// number, or generation before hashing a structure's own bytes, the same
// incremental pattern diskfs-go-diskfs's inodeChecksum uses.
func CRC32c(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, crc32cTable, data)
}

// ChecksumSeed returns the crc32c seed metadata_csum structures are hashed
// against. Mirrors e2fsprogs' ext2fs_init_csum_seed default path: absent the
// uncommon checksum_seed incompat feature (which stores a seed directly in
// the superblock), the seed is derived as crc32c(~0, s_uuid).
func (sb *Superblock) ChecksumSeed() uint32 {
	return CRC32c(^uint32(0), sb.UUID[:])
}
