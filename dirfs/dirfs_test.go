package dirfs

import (
	"context"
	"errors"
	"testing"

	"tfs/balloc"
	"tfs/bcache"
	"tfs/device"
	"tfs/ferr"
	"tfs/inode"
	"tfs/journal"
)

const (
	testLogStart   = 1
	testLogSize    = 10
	testBmapStart  = testLogStart + testLogSize
	testInodeStart = testBmapStart + 1
	testNinodes    = 50
	testSize       = 2000
)

func newTestDirs(t *testing.T) (*journal.Journal, *inode.Cache, *Dirs) {
	dev := device.NewMem(testSize)
	bc := bcache.New(dev)
	ctx := context.Background()
	j, err := journal.Open(ctx, bc, 0, testLogStart, testLogSize)
	if err != nil {
		t.Fatalf("journal open: %v", err)
	}
	ba := balloc.New(bc, j, 0, testBmapStart, testSize)
	ic := inode.New(bc, j, ba, 0, testInodeStart, testNinodes)
	return j, ic, New(ic)
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

func mkRootDir(t *testing.T, j *journal.Journal, ic *inode.Cache, d *Dirs) *inode.Inode {
	var dir *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		dir, err = ic.Ialloc(ctx, inode.Dir)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock: %v", err)
		}
		dir.Nlink = 2
		if err := d.Dirlink(ctx, dir, ".", dir.Inum); err != nil {
			t.Fatalf("dirlink .: %v", err)
		}
		if err := d.Dirlink(ctx, dir, "..", dir.Inum); err != nil {
			t.Fatalf("dirlink ..: %v", err)
		}
		ic.Iunlock(dir)
	})
	return dir
}

func TestDirlinkDirlookupRoundTrip(t *testing.T) {
	j, ic, d := newTestDirs(t)
	ctx := context.Background()
	dir := mkRootDir(t, j, ic, d)

	var file *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		file, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock dir: %v", err)
		}
		if err := d.Dirlink(ctx, dir, "hello.txt", file.Inum); err != nil {
			t.Fatalf("dirlink: %v", err)
		}
		ic.Iunlock(dir)
	})

	if err := ic.Ilock(ctx, dir); err != nil {
		t.Fatalf("ilock: %v", err)
	}
	found, _, err := d.Dirlookup(ctx, dir, "hello.txt")
	if err != nil {
		t.Fatalf("dirlookup: %v", err)
	}
	if found.Inum != file.Inum {
		t.Fatalf("dirlookup returned inum %d, want %d", found.Inum, file.Inum)
	}
	if err := ic.Iput(ctx, found); err != nil {
		t.Fatalf("iput: %v", err)
	}
	ic.Iunlock(dir)

	if err := ic.Iput(ctx, file); err != nil {
		t.Fatalf("iput file: %v", err)
	}
	if err := ic.Iput(ctx, dir); err != nil {
		t.Fatalf("iput dir: %v", err)
	}
}

func TestDirlinkRefusesDuplicate(t *testing.T) {
	j, ic, d := newTestDirs(t)
	dir := mkRootDir(t, j, ic, d)

	var file1, file2 *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		file1, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		file2, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock: %v", err)
		}
		if err := d.Dirlink(ctx, dir, "dup", file1.Inum); err != nil {
			t.Fatalf("dirlink 1: %v", err)
		}
		err = d.Dirlink(ctx, dir, "dup", file2.Inum)
		ic.Iunlock(dir)
		if err == nil {
			t.Fatalf("expected dirlink to refuse a duplicate name")
		}
		if !errors.Is(err, ferr.EEXIST) {
			t.Fatalf("expected EEXIST, got %v", err)
		}
	})
}

func TestDirEntryReusesEmptySlot(t *testing.T) {
	j, ic, d := newTestDirs(t)
	dir := mkRootDir(t, j, ic, d)
	ctx := context.Background()

	var f1 *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		f1, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock: %v", err)
		}
		if err := d.Dirlink(ctx, dir, "transient", f1.Inum); err != nil {
			t.Fatalf("dirlink: %v", err)
		}
		ic.Iunlock(dir)
	})
	sizeAfterFirst := dir.Size

	withTxn(t, j, func(ctx context.Context) {
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock: %v", err)
		}
		_, off, err := d.Dirlookup(ctx, dir, "transient")
		if err != nil {
			ic.Iunlock(dir)
			t.Fatalf("dirlookup: %v", err)
		}
		// Clear the slot directly, as unlink would after decrementing
		// the target's link count.
		buf := make([]byte, DirentSize)
		EncodeDirent(buf, 0, "")
		if n, err := ic.Writei(ctx, dir, buf, off); err != nil || n != DirentSize {
			ic.Iunlock(dir)
			t.Fatalf("clearing dirent: n=%d err=%v", n, err)
		}
		ic.Iunlock(dir)
	})
	if err := ic.Iput(ctx, f1); err != nil {
		t.Fatalf("iput: %v", err)
	}

	var f2 *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		f2, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, dir); err != nil {
			t.Fatalf("ilock: %v", err)
		}
		if err := d.Dirlink(ctx, dir, "new-name", f2.Inum); err != nil {
			t.Fatalf("dirlink: %v", err)
		}
		ic.Iunlock(dir)
	})
	if dir.Size != sizeAfterFirst {
		t.Fatalf("expected the freed slot to be reused rather than appending, size grew from %d to %d", sizeAfterFirst, dir.Size)
	}
	if err := ic.Iput(ctx, f2); err != nil {
		t.Fatalf("iput: %v", err)
	}
	if err := ic.Iput(ctx, dir); err != nil {
		t.Fatalf("iput dir: %v", err)
	}
}

func TestNameiResolvesNestedPath(t *testing.T) {
	j, ic, d := newTestDirs(t)
	ctx := context.Background()
	root := mkRootDir(t, j, ic, d)

	var sub *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		sub, err = ic.Ialloc(ctx, inode.Dir)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, sub); err != nil {
			t.Fatalf("ilock sub: %v", err)
		}
		sub.Nlink = 2
		if err := d.Dirlink(ctx, sub, ".", sub.Inum); err != nil {
			t.Fatalf("dirlink .: %v", err)
		}
		if err := d.Dirlink(ctx, sub, "..", root.Inum); err != nil {
			t.Fatalf("dirlink ..: %v", err)
		}
		ic.Iunlock(sub)

		if err := ic.Ilock(ctx, root); err != nil {
			t.Fatalf("ilock root: %v", err)
		}
		if err := d.Dirlink(ctx, root, "sub", sub.Inum); err != nil {
			t.Fatalf("dirlink sub: %v", err)
		}
		ic.Iunlock(root)
	})

	var leaf *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		leaf, err = ic.Ialloc(ctx, inode.File)
		if err != nil {
			t.Fatalf("ialloc: %v", err)
		}
		if err := ic.Ilock(ctx, sub); err != nil {
			t.Fatalf("ilock sub: %v", err)
		}
		if err := d.Dirlink(ctx, sub, "leaf.txt", leaf.Inum); err != nil {
			t.Fatalf("dirlink leaf: %v", err)
		}
		ic.Iunlock(sub)
	})

	found, err := d.Namei(ctx, "/sub/leaf.txt", root, root)
	if err != nil {
		t.Fatalf("namei: %v", err)
	}
	if found.Inum != leaf.Inum {
		t.Fatalf("namei resolved to inum %d, want %d", found.Inum, leaf.Inum)
	}
	if err := ic.Iput(ctx, found); err != nil {
		t.Fatalf("iput: %v", err)
	}

	parent, name, err := d.NameiParent(ctx, "/sub/leaf.txt", root, root)
	if err != nil {
		t.Fatalf("nameiparent: %v", err)
	}
	if parent.Inum != sub.Inum || name != "leaf.txt" {
		t.Fatalf("nameiparent returned (%d,%q), want (%d,%q)", parent.Inum, name, sub.Inum, "leaf.txt")
	}
	if err := ic.Iput(ctx, parent); err != nil {
		t.Fatalf("iput parent: %v", err)
	}

	if err := ic.Iput(ctx, leaf); err != nil {
		t.Fatalf("iput leaf: %v", err)
	}
	if err := ic.Iput(ctx, sub); err != nil {
		t.Fatalf("iput sub: %v", err)
	}
	if err := ic.Iput(ctx, root); err != nil {
		t.Fatalf("iput root: %v", err)
	}
}

func TestNamexHoldsAtMostOneLockAtATime(t *testing.T) {
	// A regression guard: if namex ever locked parent and child at
	// once, resolving two crossing paths concurrently would deadlock.
	// This just exercises the concurrent case; the discipline itself
	// is structural in namex.go.
	j, ic, d := newTestDirs(t)
	ctx := context.Background()
	root := mkRootDir(t, j, ic, d)

	var a, b *inode.Inode
	withTxn(t, j, func(ctx context.Context) {
		var err error
		a, err = ic.Ialloc(ctx, inode.Dir)
		if err != nil {
			t.Fatalf("ialloc a: %v", err)
		}
		if err := ic.Ilock(ctx, a); err != nil {
			t.Fatalf("ilock a: %v", err)
		}
		a.Nlink = 2
		d.Dirlink(ctx, a, ".", a.Inum)
		d.Dirlink(ctx, a, "..", root.Inum)
		ic.Iunlock(a)

		b, err = ic.Ialloc(ctx, inode.Dir)
		if err != nil {
			t.Fatalf("ialloc b: %v", err)
		}
		if err := ic.Ilock(ctx, b); err != nil {
			t.Fatalf("ilock b: %v", err)
		}
		b.Nlink = 2
		d.Dirlink(ctx, b, ".", b.Inum)
		d.Dirlink(ctx, b, "..", root.Inum)
		ic.Iunlock(b)

		if err := ic.Ilock(ctx, root); err != nil {
			t.Fatalf("ilock root: %v", err)
		}
		d.Dirlink(ctx, root, "a", a.Inum)
		d.Dirlink(ctx, root, "b", b.Inum)
		ic.Iunlock(root)
	})

	done := make(chan error, 2)
	go func() {
		ip, err := d.Namei(ctx, "/a", root, root)
		if err == nil {
			ic.Iput(ctx, ip)
		}
		done <- err
	}()
	go func() {
		ip, err := d.Namei(ctx, "/b", root, root)
		if err == nil {
			ic.Iput(ctx, ip)
		}
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("namei: %v", err)
		}
	}

	ic.Iput(ctx, a)
	ic.Iput(ctx, b)
	ic.Iput(ctx, root)
}
