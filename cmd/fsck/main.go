// fsck walks a volume's bitmap and every inode reachable from the root
// directory and cross-checks the block-accounting invariant of
// spec.md's Testable Property 5: every block a live inode references
// is marked allocated, and no block is referenced by two live inodes.
// It never writes to the device — inconsistencies are reported, not
// repaired (spec.md §4.6).
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"tfs/bcache"
	"tfs/device"
	"tfs/dirfs"
	"tfs/flog"
	"tfs/fsconfig"
	"tfs/inode"
	"tfs/limits"
)

const bitsPerBlock = limits.BSIZE * 8

func main() {
	cfg := fsconfig.Load()
	if len(os.Args) > 1 {
		cfg.ImagePath = os.Args[1]
	}
	flog.SetLevel(cfg.LogLevel)

	if err := run(cfg.ImagePath); err != nil {
		fmt.Fprintf(os.Stderr, "fsck: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	ctx := context.Background()

	dev, err := device.OpenFile(path, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	bc := bcache.New(dev)

	sbb, err := bc.Bread(ctx, 0, 1)
	if err != nil {
		return err
	}
	sb := make([]byte, 32)
	copy(sb, sbb.Data[:32])
	bc.Brelse(sbb)
	magic := binary.LittleEndian.Uint32(sb[0:4])
	if magic != limits.FSMAGIC {
		return fmt.Errorf("bad superblock magic %#x", magic)
	}
	size := binary.LittleEndian.Uint32(sb[4:8])
	ninodes := binary.LittleEndian.Uint32(sb[12:16])
	inodeStart := binary.LittleEndian.Uint32(sb[24:28])
	bmapStart := binary.LittleEndian.Uint32(sb[28:32])

	allocated, err := loadBitmap(ctx, bc, bmapStart, size)
	if err != nil {
		return err
	}

	w := &walker{bc: bc, inodeStart: inodeStart, ninodes: ninodes, refcount: map[uint32]int{}}
	if err := w.walk(ctx, 1, true); err != nil {
		return err
	}

	errs := 0
	for blockno, n := range w.refcount {
		if n > 1 {
			flog.Error("block %d referenced by %d live inodes", blockno, n)
			errs++
		}
		if blockno < size && !allocated[blockno] {
			flog.Error("block %d referenced but not marked allocated", blockno)
			errs++
		}
	}
	if errs == 0 {
		flog.Info("fsck: clean, %d inodes visited, %d blocks referenced", len(w.visited), len(w.refcount))
		return nil
	}
	return fmt.Errorf("%d inconsistencies found", errs)
}

// loadBitmap reads every bitmap block concurrently and returns the set
// of allocated block numbers in [0, size).
func loadBitmap(ctx context.Context, bc *bcache.Cache, bmapStart, size uint32) (map[uint32]bool, error) {
	bmapBlocks := (size + bitsPerBlock - 1) / bitsPerBlock
	results := make([][]uint32, bmapBlocks)

	g, gctx := errgroup.WithContext(ctx)
	for bn := uint32(0); bn < bmapBlocks; bn++ {
		bn := bn
		g.Go(func() error {
			buf, err := bc.Bread(gctx, 0, bmapStart+bn)
			if err != nil {
				return err
			}
			limit := uint32(bitsPerBlock)
			if base := bn * bitsPerBlock; base+limit > size {
				limit = size - base
			}
			var set []uint32
			for bi := uint32(0); bi < limit; bi++ {
				byteIdx, mask := bi/8, byte(1<<(bi%8))
				if buf.Data[byteIdx]&mask != 0 {
					set = append(set, bn*bitsPerBlock+bi)
				}
			}
			bc.Brelse(buf)
			results[bn] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allocated := make(map[uint32]bool)
	for _, set := range results {
		for _, b := range set {
			allocated[b] = true
		}
	}
	return allocated, nil
}

// walker performs a raw, read-only traversal of the inode/directory
// graph starting from root, bypassing the journal and the inode cache
// entirely (there is nothing to write, and no concurrent mutator to
// coordinate with).
type walker struct {
	bc         *bcache.Cache
	inodeStart uint32
	ninodes    uint32

	mu       sync.Mutex
	visited  map[uint32]bool
	refcount map[uint32]int
}

func (w *walker) readDinode(ctx context.Context, inum uint32) (inode.Dinode, error) {
	bn := w.inodeStart + inum/inode.InodesPerBlock
	buf, err := w.bc.Bread(ctx, 0, bn)
	if err != nil {
		return inode.Dinode{}, err
	}
	off := int(inum%inode.InodesPerBlock) * inode.DinodeSize
	d := inode.DecodeDinode(buf.Data[off : off+inode.DinodeSize])
	w.bc.Brelse(buf)
	return d, nil
}

// blockTally holds the outcome of walking one dinode's block map: data
// blocks keyed by logical index (so directory-entry lookups in walk
// can index by off/limits.BSIZE even across holes — an unallocated
// Addrs entry within [0,nblocks) — without the mapping shifting), and
// the indirect/double-indirect pointer blocks themselves, which occupy
// disk space and must be accounted for but have no logical index of
// their own.
type blockTally struct {
	data map[uint32]uint32
	meta []uint32
}

// blocksOf walks d's direct, single-indirect, and double-indirect
// block maps, mirroring the traversal inode/bmap.go performs on
// allocation (spec.md §4.4, "bmap"): logical index bn<NDIRECT is
// direct; NDIRECT<=bn<NDIRECT+NINDIRECT is one level of indirection;
// beyond that is two levels, split bn-NDIRECT-NINDIRECT into
// (l1,l2) = (bn/NINDIRECT, bn%NINDIRECT).
func (w *walker) blocksOf(ctx context.Context, d inode.Dinode) (*blockTally, error) {
	t := &blockTally{data: make(map[uint32]uint32)}
	nblocks := (d.Size + limits.BSIZE - 1) / limits.BSIZE

	for i := 0; i < limits.NDIRECT; i++ {
		if uint32(i) < nblocks && d.Addrs[i] != 0 {
			t.data[uint32(i)] = d.Addrs[i]
		}
	}

	if d.Addrs[limits.NDIRECT] != 0 && nblocks > limits.NDIRECT {
		t.meta = append(t.meta, d.Addrs[limits.NDIRECT])
		if err := w.readIndirectInto(ctx, d.Addrs[limits.NDIRECT], limits.NDIRECT, nblocks, t.data); err != nil {
			return nil, err
		}
	}

	doubleBase := uint32(limits.NDIRECT + limits.NINDIRECT)
	if d.Addrs[limits.NDIRECT+1] != 0 && nblocks > doubleBase {
		t.meta = append(t.meta, d.Addrs[limits.NDIRECT+1])
		dib, err := w.bc.Bread(ctx, 0, d.Addrs[limits.NDIRECT+1])
		if err != nil {
			return nil, err
		}
		for l1 := 0; l1 < limits.NINDIRECT; l1++ {
			base := doubleBase + uint32(l1)*limits.NINDIRECT
			if base >= nblocks {
				break
			}
			off := l1 * 4
			mid := binary.LittleEndian.Uint32(dib.Data[off : off+4])
			if mid == 0 {
				continue
			}
			t.meta = append(t.meta, mid)
			if err := w.readIndirectInto(ctx, mid, base, nblocks, t.data); err != nil {
				w.bc.Brelse(dib)
				return nil, err
			}
		}
		w.bc.Brelse(dib)
	}

	return t, nil
}

// readIndirectInto reads the NINDIRECT addresses in the indirect block
// at blockno and records each non-zero one in data, keyed starting at
// logical index base, stopping once nblocks is reached.
func (w *walker) readIndirectInto(ctx context.Context, blockno uint32, base, nblocks uint32, data map[uint32]uint32) error {
	ib, err := w.bc.Bread(ctx, 0, blockno)
	if err != nil {
		return err
	}
	for i := 0; i < limits.NINDIRECT; i++ {
		idx := base + uint32(i)
		if idx >= nblocks {
			break
		}
		off := i * 4
		a := binary.LittleEndian.Uint32(ib.Data[off : off+4])
		if a != 0 {
			data[idx] = a
		}
	}
	w.bc.Brelse(ib)
	return nil
}

func (w *walker) walk(ctx context.Context, inum uint32, isDir bool) error {
	w.mu.Lock()
	if w.visited == nil {
		w.visited = map[uint32]bool{}
	}
	if w.visited[inum] {
		w.mu.Unlock()
		return nil
	}
	w.visited[inum] = true
	w.mu.Unlock()

	d, err := w.readDinode(ctx, inum)
	if err != nil {
		return err
	}
	if d.Type == 0 {
		return fmt.Errorf("inode %d: referenced but type is free", inum)
	}

	t, err := w.blocksOf(ctx, d)
	if err != nil {
		return err
	}
	w.mu.Lock()
	for _, b := range t.data {
		w.refcount[b]++
	}
	for _, b := range t.meta {
		w.refcount[b]++
	}
	w.mu.Unlock()

	if inode.Type(d.Type) != inode.Dir {
		return nil
	}

	buf := make([]byte, dirfs.DirentSize)
	for off := uint32(0); off < d.Size; off += dirfs.DirentSize {
		blockno, ok := t.data[off/limits.BSIZE]
		if !ok {
			continue
		}
		b, err := w.bc.Bread(ctx, 0, blockno)
		if err != nil {
			return err
		}
		boff := off % limits.BSIZE
		copy(buf, b.Data[boff:boff+dirfs.DirentSize])
		w.bc.Brelse(b)

		inum2 := uint32(binary.LittleEndian.Uint16(buf[0:2]))
		if inum2 == 0 {
			continue
		}
		nameBytes := buf[2 : 2+limits.DIRSIZ]
		nameEnd := len(nameBytes)
		for i, c := range nameBytes {
			if c == 0 {
				nameEnd = i
				break
			}
		}
		name := string(nameBytes[:nameEnd])
		if name == "." || name == ".." {
			continue
		}
		sub, err := w.readDinode(ctx, inum2)
		if err != nil {
			return err
		}
		if err := w.walk(ctx, inum2, inode.Type(sub.Type) == inode.Dir); err != nil {
			return err
		}
	}
	return nil
}
