package fs

import (
	"context"
	"testing"

	"tfs/device"
	"tfs/dirfs"
	"tfs/inode"
)

const (
	testSize    = 200
	testNinodes = 200
	testNlog    = 30
)

func TestFormatThenMountRootDirectory(t *testing.T) {
	dev := device.NewMem(testSize)
	ctx := context.Background()

	if err := Format(ctx, dev, FormatOptions{Ninodes: testNinodes, Nlog: testNlog}); err != nil {
		t.Fatalf("format: %v", err)
	}

	fsys, err := Mount(ctx, dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	root := fsys.Root()
	if err := fsys.IC.Ilock(ctx, root); err != nil {
		t.Fatalf("ilock root: %v", err)
	}
	st := fsys.IC.Stati(root)
	if st.Type != inode.Dir {
		t.Fatalf("expected root to be a directory, got %v", st.Type)
	}
	if st.Inum != rootIno {
		t.Fatalf("expected root inum %d, got %d", rootIno, st.Inum)
	}
	if st.Size != 2*uint32(dirfs.DirentSize) {
		t.Fatalf("expected root size == 2 dirents, got %d", st.Size)
	}

	found, _, err := fsys.Dirs.Dirlookup(ctx, root, ".")
	if err != nil {
		t.Fatalf("dirlookup .: %v", err)
	}
	if found.Inum != rootIno {
		t.Fatalf("expected . to resolve to root, got %d", found.Inum)
	}
	if err := fsys.IC.Iput(ctx, found); err != nil {
		t.Fatalf("iput: %v", err)
	}

	found2, _, err := fsys.Dirs.Dirlookup(ctx, root, "..")
	if err != nil {
		t.Fatalf("dirlookup ..: %v", err)
	}
	if found2.Inum != rootIno {
		t.Fatalf("expected .. to resolve to root, got %d", found2.Inum)
	}
	if err := fsys.IC.Iput(ctx, found2); err != nil {
		t.Fatalf("iput: %v", err)
	}

	fsys.IC.Iunlock(root)
	if err := fsys.IC.Iput(ctx, root); err != nil {
		t.Fatalf("iput root: %v", err)
	}
}

func TestFormatRejectsUndersizedDevice(t *testing.T) {
	dev := device.NewMem(10)
	ctx := context.Background()
	if err := Format(ctx, dev, FormatOptions{Ninodes: 200, Nlog: 30}); err == nil {
		t.Fatalf("expected format to reject a device too small for its own metadata")
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	dev := device.NewMem(testSize)
	ctx := context.Background()
	if err := Format(ctx, dev, FormatOptions{Ninodes: testNinodes, Nlog: testNlog}); err != nil {
		t.Fatalf("format: %v", err)
	}

	corrupt := make([]byte, 1024)
	if err := dev.ReadAt(ctx, 1, corrupt); err != nil {
		t.Fatalf("read sb: %v", err)
	}
	corrupt[0] ^= 0xFF
	if err := dev.WriteAt(ctx, 1, corrupt); err != nil {
		t.Fatalf("write sb: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected mount to panic on a bad superblock magic")
		}
	}()
	Mount(ctx, dev)
}
