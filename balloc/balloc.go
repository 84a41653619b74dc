// Package balloc implements the bitmap-backed block allocator of
// spec.md §4.3: one bit per block of the device, covering the whole
// address space (mkfs pre-marks the boot/super/log/inode/bitmap region
// as allocated, so Balloc never hands out a metadata block).
package balloc

import (
	"context"

	"tfs/bcache"
	"tfs/journal"
	"tfs/limits"
)

const bitsPerBlock = limits.BSIZE * 8

// Allocator scans and mutates the on-disk free-block bitmap. Every
// method must be called from inside a journal transaction (Balloc and
// Bfree both route their writes through journal.Write, which panics if
// none is open).
type Allocator struct {
	bc        *bcache.Cache
	j         *journal.Journal
	dev       uint32
	bmapStart uint32
	size      uint32 // total device blocks the bitmap covers
}

// New builds an Allocator over a bitmap starting at bmapStart, sized to
// cover size blocks total (spec.md §9's open question: the scan below
// must stop exactly at size, both at the block and the bit level).
func New(bc *bcache.Cache, j *journal.Journal, dev, bmapStart, size uint32) *Allocator {
	return &Allocator{bc: bc, j: j, dev: dev, bmapStart: bmapStart, size: size}
}

// Balloc finds the first clear bit, sets it, zeroes the corresponding
// data block, and returns its block number. It panics if the device has
// no free blocks.
func (a *Allocator) Balloc(ctx context.Context) (uint32, error) {
	for b := uint32(0); b < a.size; b += bitsPerBlock {
		bn := a.bmapStart + b/bitsPerBlock
		buf, err := a.bc.Bread(ctx, a.dev, bn)
		if err != nil {
			return 0, err
		}

		limit := uint32(bitsPerBlock)
		if b+limit > a.size {
			limit = a.size - b
		}

		found := -1
		for bi := uint32(0); bi < limit; bi++ {
			byteIdx, mask := bi/8, byte(1<<(bi%8))
			if buf.Data[byteIdx]&mask == 0 {
				buf.Data[byteIdx] |= mask
				found = int(bi)
				break
			}
		}
		if found < 0 {
			a.bc.Brelse(buf)
			continue
		}
		a.j.Write(buf)
		a.bc.Brelse(buf)

		blockno := b + uint32(found)
		if err := a.zero(ctx, blockno); err != nil {
			return 0, err
		}
		return blockno, nil
	}
	panic("balloc: no free blocks")
}

// Bfree clears blockno's bit. It panics if the block is already free.
func (a *Allocator) Bfree(ctx context.Context, blockno uint32) error {
	if blockno >= a.size {
		panic("balloc: bfree of out-of-range block")
	}
	bn := a.bmapStart + blockno/bitsPerBlock
	buf, err := a.bc.Bread(ctx, a.dev, bn)
	if err != nil {
		return err
	}
	bi := blockno % bitsPerBlock
	byteIdx, mask := bi/8, byte(1<<(bi%8))
	if buf.Data[byteIdx]&mask == 0 {
		a.bc.Brelse(buf)
		panic("balloc: double free")
	}
	buf.Data[byteIdx] &^= mask
	a.j.Write(buf)
	a.bc.Brelse(buf)
	return nil
}

func (a *Allocator) zero(ctx context.Context, blockno uint32) error {
	buf, err := a.bc.Bread(ctx, a.dev, blockno)
	if err != nil {
		return err
	}
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	a.j.Write(buf)
	a.bc.Brelse(buf)
	return nil
}

// MarkUsed is used only by Format (cmd/mkfs) to pre-mark the metadata
// region [0, nmeta) as allocated before any file exists, outside of a
// transaction since formatting writes blocks directly.
func MarkUsed(buf *bcache.Buffer, nmeta uint32) {
	for bi := uint32(0); bi < nmeta; bi++ {
		byteIdx, mask := bi/8, byte(1<<(bi%8))
		buf.Data[byteIdx] |= mask
	}
}
