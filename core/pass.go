package core

// Pass identifies one named phase of a resize transaction, reported to a
// caller-supplied progress callback. Grounded on
// original_source/resize2fs.h's E2_RSZ_*_PASS constants.
type Pass int

const (
	PassExtendItable Pass = iota + 1
	PassBlockReloc
	PassInodeScan
	PassInodeRefUpdate
	PassMoveItable
)

func (p Pass) String() string {
	switch p {
	case PassExtendItable:
		return "extend-itable"
	case PassBlockReloc:
		return "block-relocation"
	case PassInodeScan:
		return "inode-scan"
	case PassInodeRefUpdate:
		return "inode-ref-update"
	case PassMoveItable:
		return "move-itable"
	default:
		return "unknown-pass"
	}
}

// ProgressFunc is invoked periodically during a long-running pass; cur and
// max describe progress within that pass only. Returning a non-nil error
// aborts the transaction with ErrAborted wrapping it.
type ProgressFunc func(pass Pass, cur, max uint64) error
