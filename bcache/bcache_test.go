package bcache

import (
	"context"
	"sync"
	"testing"

	"tfs/device"
	"tfs/limits"
)

func TestBreadWritePersists(t *testing.T) {
	dev := device.NewMem(100)
	bc := New(dev)
	ctx := context.Background()

	b, err := bc.Bread(ctx, 0, 5)
	if err != nil {
		t.Fatalf("bread: %v", err)
	}
	b.Data[0] = 0x42
	if err := bc.Bwrite(ctx, b); err != nil {
		t.Fatalf("bwrite: %v", err)
	}
	bc.Brelse(b)

	b2, err := bc.Bread(ctx, 0, 5)
	if err != nil {
		t.Fatalf("bread 2: %v", err)
	}
	if b2.Data[0] != 0x42 {
		t.Fatalf("data lost across brelse/bread, got %#x", b2.Data[0])
	}
	bc.Brelse(b2)
}

func TestBgetSameBlockReturnsSameBuffer(t *testing.T) {
	dev := device.NewMem(100)
	bc := New(dev)
	ctx := context.Background()

	b1, err := bc.Bread(ctx, 0, 3)
	if err != nil {
		t.Fatalf("bread: %v", err)
	}
	bc.Brelse(b1)

	b2, err := bc.Bread(ctx, 0, 3)
	if err != nil {
		t.Fatalf("bread: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected the same cached buffer for a repeat bread of the same block")
	}
	bc.Brelse(b2)
}

// TestEvictionUnderPressure exercises limits.NBUF+1 distinct blocks one
// at a time (no overlap), forcing every bread past the first NBUF to
// evict something, and checks the cache never panics and every read
// round-trips correctly.
func TestEvictionUnderPressure(t *testing.T) {
	dev := device.NewMem(uint32(limits.NBUF) * 4)
	bc := New(dev)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for bn := uint32(0); bn < uint32(limits.NBUF)*2; bn++ {
			b, err := bc.Bread(ctx, 0, bn)
			if err != nil {
				t.Fatalf("bread(%d): %v", bn, err)
			}
			b.Data[0] = byte(bn)
			if err := bc.Bwrite(ctx, b); err != nil {
				t.Fatalf("bwrite(%d): %v", bn, err)
			}
			bc.Brelse(b)
		}
	}
	snap := bc.Snapshot()
	if snap.Evicted == 0 {
		t.Fatalf("expected at least one eviction with more blocks touched than NBUF")
	}
}

// TestPinPreventsEviction holds a buffer pinned (refcnt>0 without the
// sleep-lock held) while every other buffer is cycled through, and
// checks the pinned buffer's identity never changes.
func TestPinPreventsEviction(t *testing.T) {
	dev := device.NewMem(uint32(limits.NBUF) * 4)
	bc := New(dev)
	ctx := context.Background()

	pinned, err := bc.Bread(ctx, 0, 0)
	if err != nil {
		t.Fatalf("bread: %v", err)
	}
	bc.Bpin(pinned)
	bc.Brelse(pinned) // drop the sleep-lock, keep the pin

	for bn := uint32(1); bn < uint32(limits.NBUF)*3; bn++ {
		b, err := bc.Bread(ctx, 0, bn)
		if err != nil {
			t.Fatalf("bread(%d): %v", bn, err)
		}
		bc.Brelse(b)
	}

	b, err := bc.Bread(ctx, 0, 0)
	if err != nil {
		t.Fatalf("bread(0) after pressure: %v", err)
	}
	if b != pinned {
		t.Fatalf("pinned buffer was evicted despite Bpin")
	}
	bc.Brelse(b)
	bc.Bunpin(pinned)
}

func TestConcurrentBreadSameBlock(t *testing.T) {
	dev := device.NewMem(100)
	bc := New(dev)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := bc.Bread(ctx, 0, 7)
			if err != nil {
				t.Errorf("bread: %v", err)
				return
			}
			bc.Brelse(b)
		}()
	}
	wg.Wait()
}

func TestBrelseWithoutLockPanics(t *testing.T) {
	dev := device.NewMem(10)
	bc := New(dev)
	b := &bc.arena[0]
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic releasing an unheld lock")
		}
	}()
	bc.Brelse(b)
}
