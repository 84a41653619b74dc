// Package fs wires the buffer cache, journal, block allocator, inode
// cache, and directory layer into one mounted volume (spec.md §4.6).
package fs

import (
	"context"
	"fmt"

	"tfs/balloc"
	"tfs/bcache"
	"tfs/device"
	"tfs/dirfs"
	"tfs/inode"
	"tfs/journal"
)

// devID is the logical device number every block on this volume is
// tagged with in the buffer cache. A FileSystem owns exactly one
// device.Device, so one constant identity suffices (spec.md §9,
// "global mutable state" is owned by one FileSystem value, not a
// process-wide singleton).
const devID = 0

// FileSystem is a mounted volume: the five subsystems of spec.md §4,
// wired together, plus a held reference to the root directory inode.
// Every exported sub-cache (BC, Log, BA, IC, Dirs) is safe to use
// directly and concurrently from multiple goroutines — that is the
// whole point of the locking discipline each one implements.
type FileSystem struct {
	Dev device.Device
	SB  Superblock

	BC   *bcache.Cache
	Log  *journal.Journal
	BA   *balloc.Allocator
	IC   *inode.Cache
	Dirs *dirfs.Dirs

	root *inode.Inode
}

// Mount reads dev's superblock, validates it, replays any pending
// journal transaction, and returns a ready-to-use FileSystem (spec.md
// §4.6, "Mount"). It panics if the superblock's magic does not match
// FSMAGIC — an unformatted or corrupt device is not a reportable
// error, per spec.md §7.
func Mount(ctx context.Context, dev device.Device) (*FileSystem, error) {
	bc := bcache.New(dev)

	sbb, err := bc.Bread(ctx, devID, 1)
	if err != nil {
		return nil, fmt.Errorf("fs: reading superblock: %w", err)
	}
	sb := decodeSuperblock(sbb.Data[:superblockSize])
	bc.Brelse(sbb)
	validateMagic(sb)

	j, err := journal.Open(ctx, bc, devID, sb.LogStart, sb.Nlog)
	if err != nil {
		return nil, fmt.Errorf("fs: opening log: %w", err)
	}

	ba := balloc.New(bc, j, devID, sb.BmapStart, sb.Size)
	ic := inode.New(bc, j, ba, devID, sb.InodeStart, sb.Ninodes)
	dirs := dirfs.New(ic)

	root := ic.Iget(devID, rootIno)

	return &FileSystem{
		Dev:  dev,
		SB:   sb,
		BC:   bc,
		Log:  j,
		BA:   ba,
		IC:   ic,
		Dirs: dirs,
		root: root,
	}, nil
}

// Root returns a fresh, unlocked reference to the root directory
// inode. The caller is responsible for eventually Iput-ing it.
func (fsys *FileSystem) Root() *inode.Inode {
	return fsys.IC.Idup(fsys.root)
}

// Close drops the FileSystem's held root reference. It does not flush
// or close the underlying device — callers that opened it are
// responsible for that.
func (fsys *FileSystem) Close(ctx context.Context) error {
	return fsys.IC.Iput(ctx, fsys.root)
}
