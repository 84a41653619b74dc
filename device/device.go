// Package device models the one external collaborator the spec leaves
// unspecified: the block device driver behind disk_rw(block, write_flag).
// Only the interface matters to the core; this package supplies two
// conforming implementations so the core can be exercised and tested
// without a real disk.
package device

import (
	"context"
	"fmt"

	"tfs/limits"
)

// Device performs synchronous, whole-block I/O. A single blocking
// disk_rw(block_image, write_flag) in the spec corresponds to one call
// to ReadAt or WriteAt here.
type Device interface {
	// ReadAt fills buf (len(buf) must equal limits.BSIZE) with the
	// contents of block blockno.
	ReadAt(ctx context.Context, blockno uint32, buf []byte) error
	// WriteAt writes buf (len(buf) must equal limits.BSIZE) to block
	// blockno.
	WriteAt(ctx context.Context, blockno uint32, buf []byte) error
	// NumBlocks reports the device's fixed size in blocks.
	NumBlocks() uint32
}

// ErrBounds is returned when a caller addresses a block outside the
// device's extent.
type ErrBounds struct {
	Blockno, NumBlocks uint32
}

func (e *ErrBounds) Error() string {
	return fmt.Sprintf("block %d out of range [0,%d)", e.Blockno, e.NumBlocks)
}

func checkBuf(buf []byte) {
	if len(buf) != limits.BSIZE {
		panic(fmt.Sprintf("device: buffer length %d != BSIZE %d", len(buf), limits.BSIZE))
	}
}
