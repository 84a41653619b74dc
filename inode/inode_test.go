package inode

import (
	"bytes"
	"context"
	"testing"

	"tfs/balloc"
	"tfs/bcache"
	"tfs/device"
	"tfs/journal"
	"tfs/limits"
)

const (
	testLogStart   = 1
	testLogSize    = 10
	testBmapStart  = testLogStart + testLogSize
	testInodeStart = testBmapStart + 1
	testNinodes    = 50
	testSize       = 2000
)

func newTestCache(t *testing.T) (*bcache.Cache, *journal.Journal, *Cache) {
	dev := device.NewMem(testSize)
	bc := bcache.New(dev)
	ctx := context.Background()
	j, err := journal.Open(ctx, bc, 0, testLogStart, testLogSize)
	if err != nil {
		t.Fatalf("journal open: %v", err)
	}
	ba := balloc.New(bc, j, 0, testBmapStart, testSize)
	ic := New(bc, j, ba, 0, testInodeStart, testNinodes)
	return bc, j, ic
}

func withTxn(t *testing.T, j *journal.Journal, f func(ctx context.Context)) {
	ctx := context.Background()
	if err := j.BeginOp(ctx); err != nil {
		t.Fatalf("beginop: %v", err)
	}
	f(ctx)
	if err := j.EndOp(ctx); err != nil {
		t.Fatalf("endop: %v", err)
	}
}

func TestIallocIlockRoundTrip(t *testing.T) {
	_, j, ic := newTestCache(t)

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})

	ctx := context.Background()
	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	st := ic.Stati(ip)
	if st.Type != File {
		t.Fatalf("expected type File, got %v", st.Type)
	}
	if st.Size != 0 {
		t.Fatalf("expected fresh inode size 0, got %d", st.Size)
	}
	ic.Iunlock(ip)
	if err := ic.Iput(ctx, ip); err != nil {
		t.Fatalf("iput: %v", err)
	}
}

func TestWriteiReadiRoundTrip(t *testing.T) {
	_, j, ic := newTestCache(t)
	ctx := context.Background()

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})

	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	payload := bytes.Repeat([]byte("hello-world-"), 200) // spans multiple blocks
	withTxn(t, j, func(ctx context.Context) {
		n, err := ic.Writei(ctx, ip, payload, 0)
		if err != nil {
			t.Fatalf("writei: %v", err)
		}
		if n != len(payload) {
			t.Fatalf("short write: %d/%d", n, len(payload))
		}
	})

	got := make([]byte, len(payload))
	n, err := ic.Readi(ctx, ip, got, 0)
	if err != nil {
		t.Fatalf("readi: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short read: %d/%d", n, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("readi did not return what writei wrote")
	}
	ic.Iunlock(ip)
	if err := ic.Iput(ctx, ip); err != nil {
		t.Fatalf("iput: %v", err)
	}
}

func TestWriteiSpanningIndirectBlocks(t *testing.T) {
	_, j, ic := newTestCache(t)
	ctx := context.Background()

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})

	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	// (NDIRECT+5) blocks worth of data forces allocation of the
	// single-indirect block and a few entries within it.
	size := (limits.NDIRECT + 5) * limits.BSIZE
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	withTxn(t, j, func(ctx context.Context) {
		n, err := ic.Writei(ctx, ip, payload, 0)
		if err != nil {
			t.Fatalf("writei: %v", err)
		}
		if n != len(payload) {
			t.Fatalf("short write: %d/%d", n, len(payload))
		}
	})
	if ip.Addrs[limits.NDIRECT] == 0 {
		t.Fatalf("expected the single-indirect block to be allocated")
	}

	got := make([]byte, size)
	n, err := ic.Readi(ctx, ip, got, 0)
	if err != nil {
		t.Fatalf("readi: %v", err)
	}
	if n != size || !bytes.Equal(got, payload) {
		t.Fatalf("readi did not reproduce the written payload")
	}
	ic.Iunlock(ip)
	if err := ic.Iput(ctx, ip); err != nil {
		t.Fatalf("iput: %v", err)
	}
}

func TestItruncFreesBlocks(t *testing.T) {
	_, j, ic := newTestCache(t)
	ctx := context.Background()

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})

	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	payload := bytes.Repeat([]byte{1}, (limits.NDIRECT+3)*limits.BSIZE)
	withTxn(t, j, func(ctx context.Context) {
		if _, err := ic.Writei(ctx, ip, payload, 0); err != nil {
			t.Fatalf("writei: %v", err)
		}
	})

	withTxn(t, j, func(ctx context.Context) {
		if err := ic.Itrunc(ctx, ip); err != nil {
			t.Fatalf("itrunc: %v", err)
		}
	})
	if ip.Size != 0 {
		t.Fatalf("expected size 0 after itrunc, got %d", ip.Size)
	}
	for i, a := range ip.Addrs {
		if a != 0 {
			t.Fatalf("expected Addrs[%d]==0 after itrunc, got %d", i, a)
		}
	}
	ic.Iunlock(ip)
	if err := ic.Iput(ctx, ip); err != nil {
		t.Fatalf("iput: %v", err)
	}
}

func TestIputDestroysUnlinkedInode(t *testing.T) {
	_, j, ic := newTestCache(t)
	ctx := context.Background()

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})
	inum := ip.Inum

	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	ip.Nlink = 0
	withTxn(t, j, func(ctx context.Context) {
		if err := ic.Iupdate(ctx, ip); err != nil {
			t.Fatalf("iupdate: %v", err)
		}
	})
	ic.Iunlock(ip)

	// The destroyed inode's slot is now free on disk (Type==Free); a
	// fresh Ialloc should be able to reclaim its exact inode number.
	var reused *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		reused, err = ic.Ialloc(ctx, Dir)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})
	if reused.Inum != inum {
		t.Fatalf("expected ialloc to reclaim freed inum %d, got %d", inum, reused.Inum)
	}
	if err := ic.Iput(ctx, reused); err != nil {
		t.Fatalf("iput reused: %v", err)
	}
}

func TestWriteiTooLargeReturnsError(t *testing.T) {
	_, j, ic := newTestCache(t)
	ctx := context.Background()

	var ip *Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		ip, err = ic.Ialloc(ctx, File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
	})

	if err := ic.Ilock(ctx, ip); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	withTxn(t, j, func(ctx context.Context) {
		n, err := ic.Writei(ctx, ip, []byte{1}, uint32(maxFileBytes))
		if err == nil {
			t.Fatalf("expected an error writing past maxFileBytes")
		}
		if n != -1 {
			t.Fatalf("expected -1 return for malformed writei, got %d", n)
		}
	})
	ic.Iunlock(ip)
	if err := ic.Iput(ctx, ip); err != nil {
		t.Fatalf("iput: %v", err)
	}
}
