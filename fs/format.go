package fs

import (
	"context"
	"fmt"

	"tfs/balloc"
	"tfs/bcache"
	"tfs/device"
	"tfs/dirfs"
	"tfs/inode"
	"tfs/limits"
)

// rootIno is the inode number of the root directory, fixed by
// convention (spec.md §4.5 / scenario S1).
const rootIno = 1

const bitsPerBlock = limits.BSIZE * 8

// FormatOptions sizes the log and inode regions of a fresh volume. The
// device's own NumBlocks determines the total size; the bitmap and
// metadata layout are derived from these three numbers the same way
// mkfs derives them (spec.md §4.6).
type FormatOptions struct {
	Ninodes uint32
	Nlog    uint32
}

// Format lays out a fresh volume on dev: superblock, log region, inode
// region, bitmap, and a root directory inode (inum 1) containing "."
// and ".." entries pointing at itself (spec.md §4.6, scenario S1).
//
// Format writes every block directly through a throwaway bcache.Cache,
// bypassing the journal entirely — there is no log to replay yet, and
// the metadata it writes (the bitmap's own "used" bits, the root
// inode) must be visible to the very first Mount without relying on
// any commit. This mirrors the canonical mkfs tool, which writes
// sectors directly rather than bracketing its writes in a transaction.
func Format(ctx context.Context, dev device.Device, opts FormatOptions) error {
	size := dev.NumBlocks()
	if opts.Ninodes == 0 || opts.Nlog == 0 {
		return fmt.Errorf("fs: format requires Ninodes>0 and Nlog>0")
	}

	inodeBlocks := inode.BlocksNeeded(opts.Ninodes)
	bmapBlocks := (size + bitsPerBlock - 1) / bitsPerBlock

	logStart := uint32(2) // block 0 is reserved (boot), block 1 is the superblock
	inodeStart := logStart + opts.Nlog
	bmapStart := inodeStart + inodeBlocks
	nmeta := bmapStart + bmapBlocks
	if nmeta >= size {
		return fmt.Errorf("fs: device too small: %d blocks of metadata, %d blocks total", nmeta, size)
	}

	bc := bcache.New(dev)

	zero := [limits.BSIZE]byte{}
	for bn := uint32(0); bn < size; bn++ {
		if err := dev.WriteAt(ctx, bn, zero[:]); err != nil {
			return err
		}
	}

	freeBlock := nmeta

	rootBlock := freeBlock
	freeBlock++
	db, err := bc.Bread(ctx, 0, rootBlock)
	if err != nil {
		return err
	}
	dirfs.EncodeDirent(db.Data[0*dirfs.DirentSize:1*dirfs.DirentSize], rootIno, ".")
	dirfs.EncodeDirent(db.Data[1*dirfs.DirentSize:2*dirfs.DirentSize], rootIno, "..")
	if err := bc.Bwrite(ctx, db); err != nil {
		bc.Brelse(db)
		return err
	}
	bc.Brelse(db)

	if err := writeRootDinode(ctx, bc, inodeStart, rootBlock); err != nil {
		return err
	}

	if err := writeInitialBitmap(ctx, bc, bmapStart, bmapBlocks, freeBlock); err != nil {
		return err
	}

	sb := Superblock{
		Magic:      limits.FSMAGIC,
		Size:       size,
		Nblocks:    size - nmeta,
		Ninodes:    opts.Ninodes,
		Nlog:       opts.Nlog,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}
	sbb, err := bc.Bread(ctx, 0, 1)
	if err != nil {
		return err
	}
	encodeSuperblock(sbb.Data[:superblockSize], sb)
	if err := bc.Bwrite(ctx, sbb); err != nil {
		bc.Brelse(sbb)
		return err
	}
	bc.Brelse(sbb)
	return nil
}

func writeRootDinode(ctx context.Context, bc *bcache.Cache, inodeStart, rootBlock uint32) error {
	bn := inodeStart + rootIno/inode.InodesPerBlock
	buf, err := bc.Bread(ctx, 0, bn)
	if err != nil {
		return err
	}
	off := int(rootIno%inode.InodesPerBlock) * inode.DinodeSize
	d := inode.Dinode{Type: int16(inode.Dir), Nlink: 2, Size: 2 * uint32(dirfs.DirentSize)}
	d.Addrs[0] = rootBlock
	inode.EncodeDinode(buf.Data[off:off+inode.DinodeSize], &d)
	if err := bc.Bwrite(ctx, buf); err != nil {
		bc.Brelse(buf)
		return err
	}
	bc.Brelse(buf)
	return nil
}

func writeInitialBitmap(ctx context.Context, bc *bcache.Cache, bmapStart, bmapBlocks, used uint32) error {
	remaining := used
	for bn := uint32(0); bn < bmapBlocks && remaining > 0; bn++ {
		buf, err := bc.Bread(ctx, 0, bmapStart+bn)
		if err != nil {
			return err
		}
		n := remaining
		if n > bitsPerBlock {
			n = bitsPerBlock
		}
		balloc.MarkUsed(buf, n)
		remaining -= n
		if err := bc.Bwrite(ctx, buf); err != nil {
			bc.Brelse(buf)
			return err
		}
		bc.Brelse(buf)
	}
	return nil
}
