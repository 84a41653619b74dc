package inode

import (
	"context"
	"encoding/binary"

	"tfs/limits"
)

// bmap translates a logical block index within ip into a disk block
// number, allocating a new block (and, if needed, a new indirect or
// double-indirect block) the first time a given index is touched
// (spec.md §4.4, "bmap"). The caller must hold ip's lock and must be
// inside a transaction, since every allocation writes through alloc
// and j. It panics if bn addresses beyond the double-indirect region.
func (c *Cache) bmap(ctx context.Context, ip *Inode, bn uint32) (uint32, error) {
	if bn < limits.NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			a, err := c.alloc.Balloc(ctx)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = a
			addr = a
		}
		return addr, nil
	}
	bn -= limits.NDIRECT

	if bn < limits.NINDIRECT {
		indAddr, err := c.ensureAddr(ctx, &ip.Addrs[limits.NDIRECT])
		if err != nil {
			return 0, err
		}
		return c.bmapIndirect(ctx, indAddr, bn)
	}
	bn -= limits.NINDIRECT

	if bn < limits.NINDIRECT*limits.NINDIRECT {
		dindAddr, err := c.ensureAddr(ctx, &ip.Addrs[limits.NDIRECT+1])
		if err != nil {
			return 0, err
		}
		l1, l2 := bn/limits.NINDIRECT, bn%limits.NINDIRECT

		dib, err := c.bc.Bread(ctx, c.dev, dindAddr)
		if err != nil {
			return 0, err
		}
		off1 := l1 * 4
		mid := binary.LittleEndian.Uint32(dib.Data[off1 : off1+4])
		if mid == 0 {
			a, err := c.alloc.Balloc(ctx)
			if err != nil {
				c.bc.Brelse(dib)
				return 0, err
			}
			binary.LittleEndian.PutUint32(dib.Data[off1:off1+4], a)
			c.j.Write(dib)
			mid = a
		}
		c.bc.Brelse(dib)

		return c.bmapIndirect(ctx, mid, l2)
	}

	panic("inode: bmap logical block out of range")
}

// ensureAddr allocates a block for *addr if it is still zero, leaving
// *addr pointing at it either way. The caller persists the surrounding
// dinode (writei/itrunc always Iupdate before returning).
func (c *Cache) ensureAddr(ctx context.Context, addr *uint32) (uint32, error) {
	if *addr != 0 {
		return *addr, nil
	}
	a, err := c.alloc.Balloc(ctx)
	if err != nil {
		return 0, err
	}
	*addr = a
	return a, nil
}

// bmapIndirect resolves slot bn within the single-indirect block at
// indAddr, allocating the referenced data block on first touch.
func (c *Cache) bmapIndirect(ctx context.Context, indAddr, bn uint32) (uint32, error) {
	ib, err := c.bc.Bread(ctx, c.dev, indAddr)
	if err != nil {
		return 0, err
	}
	off := bn * 4
	addr := binary.LittleEndian.Uint32(ib.Data[off : off+4])
	if addr == 0 {
		a, err := c.alloc.Balloc(ctx)
		if err != nil {
			c.bc.Brelse(ib)
			return 0, err
		}
		binary.LittleEndian.PutUint32(ib.Data[off:off+4], a)
		c.j.Write(ib)
		addr = a
	}
	c.bc.Brelse(ib)
	return addr, nil
}

// itrunc frees every block ip references — direct, single-indirect,
// and double-indirect, including the indirect blocks themselves — and
// resets Size to 0, leaving Addrs entirely zero (spec.md §4.4,
// "itrunc"). The caller must hold ip's lock and must be inside a
// transaction.
func (c *Cache) itrunc(ctx context.Context, ip *Inode) error {
	for i := 0; i < limits.NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			if err := c.alloc.Bfree(ctx, ip.Addrs[i]); err != nil {
				return err
			}
			ip.Addrs[i] = 0
		}
	}

	if ip.Addrs[limits.NDIRECT] != 0 {
		if err := c.freeIndirectBlock(ctx, ip.Addrs[limits.NDIRECT]); err != nil {
			return err
		}
		ip.Addrs[limits.NDIRECT] = 0
	}

	if ip.Addrs[limits.NDIRECT+1] != 0 {
		dib, err := c.bc.Bread(ctx, c.dev, ip.Addrs[limits.NDIRECT+1])
		if err != nil {
			return err
		}
		for l1 := 0; l1 < limits.NINDIRECT; l1++ {
			off1 := l1 * 4
			mid := binary.LittleEndian.Uint32(dib.Data[off1 : off1+4])
			if mid == 0 {
				continue
			}
			if err := c.freeIndirectBlock(ctx, mid); err != nil {
				c.bc.Brelse(dib)
				return err
			}
		}
		c.bc.Brelse(dib)
		if err := c.alloc.Bfree(ctx, ip.Addrs[limits.NDIRECT+1]); err != nil {
			return err
		}
		ip.Addrs[limits.NDIRECT+1] = 0
	}

	ip.Size = 0
	return nil
}

// freeIndirectBlock frees every non-zero block address recorded in the
// indirect block at indAddr, then frees indAddr itself.
func (c *Cache) freeIndirectBlock(ctx context.Context, indAddr uint32) error {
	ib, err := c.bc.Bread(ctx, c.dev, indAddr)
	if err != nil {
		return err
	}
	for i := 0; i < limits.NINDIRECT; i++ {
		off := i * 4
		a := binary.LittleEndian.Uint32(ib.Data[off : off+4])
		if a != 0 {
			if err := c.alloc.Bfree(ctx, a); err != nil {
				c.bc.Brelse(ib)
				return err
			}
		}
	}
	c.bc.Brelse(ib)
	return c.alloc.Bfree(ctx, indAddr)
}
