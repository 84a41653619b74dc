// Package inode implements the in-memory inode cache and on-disk inode
// layer of spec.md §4.4: per-inode sleep-locks guard the cached copy of
// an inode's metadata, an icache-wide mutex guards only the (dev,inum)
// identity and refcount of each cache slot, and every mutation that
// touches the disk is routed through the journal so it is atomic with
// respect to a crash.
package inode

import (
	"context"
	"sync"

	"tfs/balloc"
	"tfs/bcache"
	"tfs/ferr"
	"tfs/journal"
	"tfs/limits"
	"tfs/sleeplock"
)

// Inode is one cache slot. Dev/Inum/ref are protected by Cache.mu; Lock
// guards valid and every field below it, which is only meaningful while
// valid is true and the caller holds Lock (spec.md §3, "In-memory
// inode" / §9 "two different locks guard an inode").
type Inode struct {
	Dev  uint32
	Inum uint32
	ref  int

	Lock  *sleeplock.L
	valid bool

	Type         Type
	Major, Minor int16
	Nlink        int16
	Size         uint32
	Addrs        [limits.NDIRECT + 2]uint32
}

// Stat is the subset of an inode's metadata callers outside this
// package are allowed to see (spec.md §4.4, "stati").
type Stat struct {
	Dev          uint32
	Inum         uint32
	Type         Type
	Major, Minor int16
	Nlink        int16
	Size         uint32
}

// Cache is the icache of spec.md §3: a fixed table of limits.NINODE
// slots, shared by every mounted file, directory, and device inode.
type Cache struct {
	mu sync.Mutex

	bc    *bcache.Cache
	j     *journal.Journal
	alloc *balloc.Allocator

	dev        uint32
	inodeStart uint32
	ninodes    uint32

	slots []*Inode
}

// New builds an inode cache over ninodes inodes starting at inodeStart
// on dev, backed by bc for block I/O, j for crash-atomic writes, and
// alloc for handing out new data/indirect blocks.
func New(bc *bcache.Cache, j *journal.Journal, alloc *balloc.Allocator, dev, inodeStart, ninodes uint32) *Cache {
	c := &Cache{bc: bc, j: j, alloc: alloc, dev: dev, inodeStart: inodeStart, ninodes: ninodes}
	c.slots = make([]*Inode, limits.NINODE)
	for i := range c.slots {
		c.slots[i] = &Inode{Lock: sleeplock.New()}
	}
	return c
}

// Iget returns a cache entry for (dev, inum), allocating an empty slot
// if none is already cached, without reading the disk and without
// locking the inode (spec.md §4.4, "iget"). It panics if every slot is
// in use — the fixed-size cache has no further capacity.
func (c *Cache) Iget(dev, inum uint32) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var empty *Inode
	for _, ip := range c.slots {
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("inode: no free icache slots")
	}
	empty.Dev = dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// Idup increments ip's reference count, for callers that are handing
// off a second reference to the same inode (e.g. "." and the directory
// itself).
func (c *Cache) Idup(ip *Inode) *Inode {
	c.mu.Lock()
	ip.ref++
	c.mu.Unlock()
	return ip
}

// Ilock acquires ip's sleep-lock and, if this is the first lock since
// Iget (or since the slot was last recycled), loads its metadata from
// disk. It panics if the on-disk type is Free — locking an inode number
// nothing has ever allocated is a caller bug.
func (c *Cache) Ilock(ctx context.Context, ip *Inode) error {
	if ip == nil {
		panic("inode: ilock of nil inode")
	}
	ip.Lock.Acquire()
	if ip.valid {
		return nil
	}

	bn := c.inodeStart + ip.Inum/ipb
	buf, err := c.bc.Bread(ctx, c.dev, bn)
	if err != nil {
		ip.Lock.Release()
		return err
	}
	off := int(ip.Inum%ipb) * dinodeSize
	d := decodeDinode(buf.Data[off : off+dinodeSize])
	c.bc.Brelse(buf)

	if d.Type == 0 {
		ip.Lock.Release()
		panic("inode: ilock of unallocated inode")
	}
	ip.Type = Type(d.Type)
	ip.Major = d.Major
	ip.Minor = d.Minor
	ip.Nlink = d.Nlink
	ip.Size = d.Size
	ip.Addrs = d.Addrs
	ip.valid = true
	return nil
}

// Iunlock releases ip's sleep-lock. The caller must hold it.
func (c *Cache) Iunlock(ip *Inode) {
	if !ip.Lock.Holding() {
		panic("inode: iunlock without lock held")
	}
	ip.Lock.Release()
}

// Iput drops one reference to ip. If this was the last reference and
// the on-disk link count has already reached zero, the inode's
// contents are truncated and it is marked free on disk — all of which
// must happen inside the caller's open transaction, since it writes
// through the journal (spec.md §4.4, "iput").
func (c *Cache) Iput(ctx context.Context, ip *Inode) error {
	c.mu.Lock()
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		// ref==1 means no other cache user can exist for this
		// (dev,inum) — invariant (v) in spec.md §5 — so nothing else
		// can be racing to lock ip, and the following acquire cannot
		// block.
		c.mu.Unlock()
		ip.Lock.Acquire()

		if err := c.itrunc(ctx, ip); err != nil {
			ip.Lock.Release()
			return err
		}
		ip.Type = Free
		if err := c.iupdateLocked(ctx, ip); err != nil {
			ip.Lock.Release()
			return err
		}
		ip.valid = false
		ip.Lock.Release()

		c.mu.Lock()
	}
	ip.ref--
	c.mu.Unlock()
	return nil
}

// IunlockPut is the common Iunlock-then-Iput sequence.
func (c *Cache) IunlockPut(ctx context.Context, ip *Inode) error {
	c.Iunlock(ip)
	return c.Iput(ctx, ip)
}

// Iupdate writes ip's in-memory metadata to its on-disk dinode. The
// caller must hold ip's lock and must be inside a transaction.
func (c *Cache) Iupdate(ctx context.Context, ip *Inode) error {
	if !ip.Lock.Holding() {
		panic("inode: iupdate without lock held")
	}
	return c.iupdateLocked(ctx, ip)
}

func (c *Cache) iupdateLocked(ctx context.Context, ip *Inode) error {
	bn := c.inodeStart + ip.Inum/ipb
	buf, err := c.bc.Bread(ctx, c.dev, bn)
	if err != nil {
		return err
	}
	off := int(ip.Inum%ipb) * dinodeSize
	d := Dinode{
		Type:  int16(ip.Type),
		Major: ip.Major,
		Minor: ip.Minor,
		Nlink: ip.Nlink,
		Size:  ip.Size,
		Addrs: ip.Addrs,
	}
	encodeDinode(buf.Data[off:off+dinodeSize], &d)
	c.j.Write(buf)
	c.bc.Brelse(buf)
	return nil
}

// Itrunc frees every block ip references and resets its size to zero,
// then persists the result. The caller must hold ip's lock and must be
// inside a transaction (spec.md §4.4, "itrunc").
func (c *Cache) Itrunc(ctx context.Context, ip *Inode) error {
	if !ip.Lock.Holding() {
		panic("inode: itrunc without lock held")
	}
	if err := c.itrunc(ctx, ip); err != nil {
		return err
	}
	return c.iupdateLocked(ctx, ip)
}

// Ialloc scans the inode region for a dinode with Type==Free, claims it
// for typ, and returns a locked-free cache handle on it (the caller
// must still Ilock before touching its fields). It panics if every
// inode is in use — the on-disk inode table, like the icache, is fixed
// size (spec.md §4.4, "ialloc").
func (c *Cache) Ialloc(ctx context.Context, typ Type) (*Inode, error) {
	nblocks := (c.ninodes + ipb - 1) / ipb
	for bn := uint32(0); bn < nblocks; bn++ {
		blockno := c.inodeStart + bn
		buf, err := c.bc.Bread(ctx, c.dev, blockno)
		if err != nil {
			return nil, err
		}
		for slot := uint32(0); slot < ipb; slot++ {
			inum := bn*ipb + slot
			if inum == 0 || inum >= c.ninodes {
				continue
			}
			off := int(slot) * dinodeSize
			d := decodeDinode(buf.Data[off : off+dinodeSize])
			if d.Type != 0 {
				continue
			}
			d = Dinode{Type: int16(typ)}
			encodeDinode(buf.Data[off:off+dinodeSize], &d)
			c.j.Write(buf)
			c.bc.Brelse(buf)
			return c.Iget(c.dev, inum), nil
		}
		c.bc.Brelse(buf)
	}
	panic("inode: no free inodes")
}

// Stati returns a snapshot of ip's metadata. The caller must hold ip's
// lock.
func (c *Cache) Stati(ip *Inode) Stat {
	if !ip.Lock.Holding() {
		panic("inode: stati without lock held")
	}
	return Stat{
		Dev:   ip.Dev,
		Inum:  ip.Inum,
		Type:  ip.Type,
		Major: ip.Major,
		Minor: ip.Minor,
		Nlink: ip.Nlink,
		Size:  ip.Size,
	}
}

// Readi copies min(len(dst), ip.Size-off) bytes starting at off into
// dst, returning the number of bytes actually copied. The caller must
// hold ip's lock. There is no distinct "kernel vs. user" destination
// here — both are a plain []byte — so no either_copyout-equivalent is
// needed (spec.md §1 treats that split as out of scope).
func (c *Cache) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	if !ip.Lock.Holding() {
		panic("inode: readi without lock held")
	}
	if off > ip.Size {
		return 0, nil
	}
	n := uint32(len(dst))
	if off+n > ip.Size {
		n = ip.Size - off
	}

	var total uint32
	for total < n {
		bn := (off + total) / limits.BSIZE
		boff := (off + total) % limits.BSIZE
		addr, err := c.bmap(ctx, ip, bn)
		if err != nil {
			return int(total), err
		}
		buf, err := c.bc.Bread(ctx, c.dev, addr)
		if err != nil {
			return int(total), err
		}
		m := uint32(limits.BSIZE) - boff
		if rem := n - total; m > rem {
			m = rem
		}
		copy(dst[total:total+m], buf.Data[boff:boff+m])
		c.bc.Brelse(buf)
		total += m
	}
	return int(total), nil
}

// maxFileBytes is the largest byte offset Writei will grow a file to,
// derived from limits.MAXFILE the same way the on-disk block map is
// bounded.
const maxFileBytes = int64(limits.MAXFILE) * limits.BSIZE

// Writei copies src into ip starting at off, growing ip.Size and the
// block map as needed, and always updates the on-disk dinode before
// returning — even on a partial write — because bmap may already have
// allocated and recorded new block addresses in ip.Addrs (spec.md
// §4.4, "writei"). The caller must hold ip's lock and must be inside a
// transaction. Malformed offsets return -1, matching spec.md's
// documented error convention for this call.
func (c *Cache) Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	if !ip.Lock.Holding() {
		panic("inode: writei without lock held")
	}
	n := int64(len(src))
	if int64(off) > maxFileBytes || int64(off)+n > maxFileBytes {
		return -1, ferr.New(ferr.E2BIG, "writei", "")
	}

	var total uint32
	var werr error
	for uint32(total) < uint32(n) {
		bn := (off + total) / limits.BSIZE
		boff := (off + total) % limits.BSIZE
		addr, err := c.bmap(ctx, ip, bn)
		if err != nil {
			werr = err
			break
		}
		buf, err := c.bc.Bread(ctx, c.dev, addr)
		if err != nil {
			werr = err
			break
		}
		m := uint32(limits.BSIZE) - boff
		if rem := uint32(n) - total; m > rem {
			m = rem
		}
		copy(buf.Data[boff:boff+m], src[total:total+m])
		c.j.Write(buf)
		c.bc.Brelse(buf)
		total += m
	}

	if off+total > ip.Size {
		ip.Size = off + total
	}
	if err := c.iupdateLocked(ctx, ip); err != nil {
		return int(total), err
	}
	return int(total), werr
}
