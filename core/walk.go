package core

import (
	"fmt"

	"github.com/dargueta/ipgresize/ext4fs"
)

// WalkDirectories visits every directory block reachable from the root
// inode (always inode 2) in a view, invoking visit once per block with the
// directory inode number that owns it. It does not follow "." or "..": each
// directory is visited exactly once regardless of how many hard links
// point into it, tracked via a seen-set keyed by inode number. This is the
// traversal both the growth and shrink transactions need to find every
// directory entry that might reference a renumbered inode: ext4 has no
// global inode-to-parent index, so the only way to find every dirent is to
// walk the tree from the root. For a directory without extents, only the
// twelve direct block pointers are followed; blocks reached through the
// indirect pointers are not visited.
func WalkDirectories(v *ext4fs.View, readBlock func(block uint64) ([]byte, error), visit func(dirInode uint32, block uint64, buf []byte) error) error {
	seen := make(map[uint32]bool)
	return walkOne(v, readBlock, rootInodeNumber, seen, visit)
}

const rootInodeNumber = 2

func walkOne(v *ext4fs.View, readBlock func(block uint64) ([]byte, error), inodeNum uint32, seen map[uint32]bool, visit func(uint32, uint64, []byte) error) error {
	if seen[inodeNum] {
		return nil
	}
	seen[inodeNum] = true

	raw, err := v.ReadInodeRecord(inodeNum)
	if err != nil {
		return fmt.Errorf("read inode %d: %w", inodeNum, err)
	}
	ino, err := ext4fs.ReadInode(raw, v.Super.InodeSize)
	if err != nil {
		return fmt.Errorf("parse inode %d: %w", inodeNum, err)
	}
	if !ino.IsDir() || ino.HasInlineData() {
		return nil
	}

	var children []uint32
	leafFn := func(l ext4fs.ExtentLeafNode) error {
		for off := uint64(0); off < uint64(l.RealLength()); off++ {
			blk := l.StartBlock() + off
			buf, err := readBlock(blk)
			if err != nil {
				return fmt.Errorf("read directory block %d: %w", blk, err)
			}
			if err := visit(inodeNum, blk, buf); err != nil {
				return err
			}
			entries, err := ext4fs.ReadDirBlock(buf)
			if err != nil {
				return fmt.Errorf("parse directory block %d: %w", blk, err)
			}
			for _, e := range entries {
				if e.IsDeleted() || e.Name == "." || e.Name == ".." {
					continue
				}
				if e.FileType == ext4fs.FileTypeDirectory {
					children = append(children, e.Inode)
				}
			}
		}
		return nil
	}

	if ino.HasExtents() {
		if err := ext4fs.WalkExtents(ino.Block[:], readBlock, leafFn); err != nil {
			return err
		}
	} else {
		for _, p := range ino.LegacyBlockPointers()[:12] {
			if p == 0 {
				continue
			}
			buf, err := readBlock(uint64(p))
			if err != nil {
				return fmt.Errorf("read directory block %d: %w", p, err)
			}
			if err := visit(inodeNum, uint64(p), buf); err != nil {
				return err
			}
			entries, err := ext4fs.ReadDirBlock(buf)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDeleted() || e.Name == "." || e.Name == ".." {
					continue
				}
				if e.FileType == ext4fs.FileTypeDirectory {
					children = append(children, e.Inode)
				}
			}
		}
	}

	for _, c := range children {
		if err := walkOne(v, readBlock, c, seen, visit); err != nil {
			return err
		}
	}
	return nil
}
