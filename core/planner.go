package core

import "github.com/dargueta/ipgresize/ext4fs"

// PlanInodesPerGroup is the pre-flight calculator of spec.md §1/§6: it turns
// a user-supplied target (an absolute inode count, or a bytes-per-inode
// ratio) into a validated inodes-per-group value, before any transaction
// opens a view for writing. Exactly one of targetCount/bytesPerInode must be
// set; the other should be nil.
func PlanInodesPerGroup(sb *ext4fs.Superblock, targetCount *uint64, bytesPerInode *uint64) (uint32, error) {
	if (targetCount == nil) == (bytesPerInode == nil) {
		return 0, ErrFeatureForbidden.WithMessage(
			"exactly one of an inode count or a bytes-per-inode ratio must be given")
	}

	groupCount := uint64(sb.GroupCount())
	if groupCount == 0 {
		return 0, ErrIO.WithMessage("filesystem reports zero block groups")
	}

	var count uint64
	if targetCount != nil {
		count = *targetCount
	} else {
		if *bytesPerInode == 0 {
			return 0, ErrFeatureForbidden.WithMessage("bytes-per-inode ratio must be nonzero")
		}
		totalBytes := sb.BlocksCount() * uint64(sb.BlockSize())
		count = totalBytes / *bytesPerInode
	}
	if count == 0 {
		count = groupCount
	}

	newIPG := count / groupCount
	if count%groupCount != 0 {
		newIPG++
	}
	if newIPG == 0 {
		newIPG = 1
	}

	// The inode-allocation bitmap for a group is a single block; it cannot
	// represent more inodes than that block has bits for.
	maxIPG := uint64(sb.BlockSize()) * 8
	if newIPG > maxIPG {
		return 0, ErrFeatureForbidden.WithMessage(
			"requested inode count needs %d inodes per group, more than a single bitmap block can track (%d)",
			newIPG, maxIPG)
	}

	return uint32(newIPG), nil
}
