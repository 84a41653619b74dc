// Package bcache implements the bucketed, concurrent block buffer cache
// described in spec.md §4.1: a bounded, LRU-evicted cache of fixed-size
// disk blocks keyed by (dev, blockno), partitioned across a small prime
// number of hash buckets so that unrelated blocks rarely contend on the
// same lock.
package bcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"tfs/device"
	"tfs/limits"
	"tfs/sleeplock"
)

// Cache is the buffer cache singleton, normally owned by one
// *fs.FileSystem value (spec.md §9, "global mutable state").
type Cache struct {
	dev device.Device

	arena []Buffer

	// bucketHead[k] is the arena index of the first buffer in bucket k,
	// or -1. bucketLocks[k] protects bucketHead[k], the next chain of
	// every buffer presently in bucket k, and every such buffer's
	// Dev/Blockno/Valid/Refcnt fields.
	bucketHead  []int
	bucketLocks []sync.Mutex

	// evictionLocks[k] serializes the slow path of concurrent bget
	// misses that hash to bucket k, so that two threads racing to
	// install the same (dev,blockno) cannot both proceed to eviction.
	evictionLocks []sync.Mutex

	tick uint64 // monotonic stamp source for Buffer.Lastuse

	warm singleflight.Group // collapses concurrent WarmRange prefetches

	statsMu sync.Mutex
	stats   Stats
}

// Stats are cumulative counters, exposed for diagnostics (see package
// diag) rather than for any control-flow decision.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Evicted uint64
}

func hash(dev, blockno uint32) int {
	return int(((uint64(dev) << 27) | uint64(blockno)) % uint64(limits.NBUFMAP_BUCKET))
}

// New builds an empty cache of limits.NBUF buffers over dev. Mirrors the
// teacher's binit: every buffer starts unassigned (Dev=0, Blockno=0,
// Refcnt=0) and is distributed round-robin across the buckets so the
// very first misses have LRU victims to find.
func New(dev device.Device) *Cache {
	bc := &Cache{dev: dev}
	bc.arena = make([]Buffer, limits.NBUF)
	bc.bucketHead = make([]int, limits.NBUFMAP_BUCKET)
	for i := range bc.bucketHead {
		bc.bucketHead[i] = -1
	}
	bc.bucketLocks = make([]sync.Mutex, limits.NBUFMAP_BUCKET)
	bc.evictionLocks = make([]sync.Mutex, limits.NBUFMAP_BUCKET)
	for i := range bc.arena {
		bc.arena[i].Lock = sleeplock.New()
		bucket := i % limits.NBUFMAP_BUCKET
		bc.arena[i].next = bc.bucketHead[bucket]
		bc.bucketHead[bucket] = i
	}
	return bc
}

// Bread returns a buffer whose Data reflects disk block (dev, blockno),
// with the caller holding the buffer's sleep-lock (spec.md §4.1).
func (bc *Cache) Bread(ctx context.Context, dev, blockno uint32) (*Buffer, error) {
	b := bc.bget(dev, blockno)
	if !b.Valid {
		if err := bc.dev.ReadAt(ctx, blockno, b.Data[:]); err != nil {
			b.Lock.Release()
			bc.decref(b)
			return nil, err
		}
		b.Valid = true
	}
	return b, nil
}

// Bwrite writes b's payload to disk synchronously. The caller must hold
// b's lock.
func (bc *Cache) Bwrite(ctx context.Context, b *Buffer) error {
	if !b.Lock.Holding() {
		panic("bcache: bwrite without lock held")
	}
	return bc.dev.WriteAt(ctx, b.Blockno, b.Data[:])
}

// Brelse releases b's sleep-lock and decrements its refcount. The caller
// must hold b's lock.
func (bc *Cache) Brelse(b *Buffer) {
	if !b.Lock.Holding() {
		panic("bcache: brelse without lock held")
	}
	b.Lock.Release()
	bc.decref(b)
}

// Bpin increments b's refcount under its bucket's spinlock, without
// requiring the caller to hold b's sleep-lock. The log uses this to
// prevent eviction of a buffer it has logged but not yet committed.
func (bc *Cache) Bpin(b *Buffer) {
	key := hash(b.Dev, b.Blockno)
	bc.bucketLocks[key].Lock()
	b.Refcnt++
	bc.bucketLocks[key].Unlock()
}

// Bunpin is the inverse of Bpin.
func (bc *Cache) Bunpin(b *Buffer) {
	bc.decref(b)
}

func (bc *Cache) decref(b *Buffer) {
	key := hash(b.Dev, b.Blockno)
	bc.bucketLocks[key].Lock()
	b.Refcnt--
	if b.Refcnt < 0 {
		bc.bucketLocks[key].Unlock()
		panic("bcache: refcnt underflow")
	}
	if b.Refcnt == 0 {
		b.Lastuse = atomic.AddUint64(&bc.tick, 1)
	}
	bc.bucketLocks[key].Unlock()
}

// bget implements the fast path, serialized slow path, and hand-over-
// hand global LRU eviction of spec.md §4.1. It returns a buffer with
// Refcnt bumped and its sleep-lock held.
func (bc *Cache) bget(dev, blockno uint32) *Buffer {
	key := hash(dev, blockno)

	// Fast path.
	bc.bucketLocks[key].Lock()
	if b := bc.findLocked(key, dev, blockno); b != nil {
		b.Refcnt++
		bc.bucketLocks[key].Unlock()
		bc.recordHit()
		b.Lock.Acquire()
		return b
	}
	bc.bucketLocks[key].Unlock()

	// Slow path: serialize misses on this key, then re-check in case
	// another thread installed the block in the gap.
	bc.evictionLocks[key].Lock()
	bc.bucketLocks[key].Lock()
	if b := bc.findLocked(key, dev, blockno); b != nil {
		b.Refcnt++
		bc.bucketLocks[key].Unlock()
		bc.evictionLocks[key].Unlock()
		bc.recordHit()
		b.Lock.Acquire()
		return b
	}
	bc.bucketLocks[key].Unlock()

	bc.recordMiss()
	victimBucket, victimIdx := bc.selectVictim()
	if victimIdx == -1 {
		panic("bcache: no buffers available for eviction")
	}
	// bucketLocks[victimBucket] is held by selectVictim.
	b := &bc.arena[victimIdx]
	if victimBucket != key {
		bc.unlinkLocked(victimBucket, victimIdx)
		bc.bucketLocks[victimBucket].Unlock()
		bc.bucketLocks[key].Lock()
		bc.linkHeadLocked(key, victimIdx)
	}
	b.Dev = dev
	b.Blockno = blockno
	b.Valid = false
	b.Refcnt = 1
	bc.bucketLocks[key].Unlock()
	bc.evictionLocks[key].Unlock()
	bc.recordEvict()

	b.Lock.Acquire()
	return b
}

// findLocked scans bucket's chain for (dev,blockno). Caller must hold
// bucketLocks[bucket].
func (bc *Cache) findLocked(bucket int, dev, blockno uint32) *Buffer {
	for i := bc.bucketHead[bucket]; i != -1; i = bc.arena[i].next {
		b := &bc.arena[i]
		if b.Dev == dev && b.Blockno == blockno {
			return b
		}
	}
	return nil
}

// selectVictim scans every bucket in index order looking for the
// globally least-recently-used buffer with Refcnt==0, always holding
// the lock of the current best candidate's bucket so that no other
// thread can grab the victim out from under the scan (spec.md §4.1,
// "hand-over-hand"). It returns with bucketLocks[victimBucket] held (if
// a victim was found) and the caller is responsible for unlocking it.
func (bc *Cache) selectVictim() (victimBucket, victimIdx int) {
	victimBucket, victimIdx = -1, -1
	for h := 0; h < limits.NBUFMAP_BUCKET; h++ {
		bc.bucketLocks[h].Lock()
		bestInH := -1
		for i := bc.bucketHead[h]; i != -1; i = bc.arena[i].next {
			b := &bc.arena[i]
			if b.Refcnt != 0 {
				continue
			}
			if bestInH == -1 || b.Lastuse < bc.arena[bestInH].Lastuse {
				bestInH = i
			}
		}
		if bestInH != -1 && (victimIdx == -1 || bc.arena[bestInH].Lastuse < bc.arena[victimIdx].Lastuse) {
			if victimBucket != -1 {
				bc.bucketLocks[victimBucket].Unlock()
			}
			victimBucket, victimIdx = h, bestInH
			continue
		}
		bc.bucketLocks[h].Unlock()
	}
	return victimBucket, victimIdx
}

// unlinkLocked removes idx from bucket's chain. Caller must hold
// bucketLocks[bucket].
func (bc *Cache) unlinkLocked(bucket, idx int) {
	prev := -1
	cur := bc.bucketHead[bucket]
	for cur != -1 {
		if cur == idx {
			if prev == -1 {
				bc.bucketHead[bucket] = bc.arena[cur].next
			} else {
				bc.arena[prev].next = bc.arena[cur].next
			}
			bc.arena[cur].next = -1
			return
		}
		prev, cur = cur, bc.arena[cur].next
	}
	panic(fmt.Sprintf("bcache: buffer %d not found in bucket %d", idx, bucket))
}

// linkHeadLocked pushes idx onto the front of bucket's chain. Caller
// must hold bucketLocks[bucket].
func (bc *Cache) linkHeadLocked(bucket, idx int) {
	bc.arena[idx].next = bc.bucketHead[bucket]
	bc.bucketHead[bucket] = idx
}

func (bc *Cache) recordHit() {
	bc.statsMu.Lock()
	bc.stats.Hits++
	bc.statsMu.Unlock()
}

func (bc *Cache) recordMiss() {
	bc.statsMu.Lock()
	bc.stats.Misses++
	bc.statsMu.Unlock()
}

func (bc *Cache) recordEvict() {
	bc.statsMu.Lock()
	bc.stats.Evicted++
	bc.statsMu.Unlock()
}

// Stats returns a snapshot of the cache's cumulative counters.
func (bc *Cache) Snapshot() Stats {
	bc.statsMu.Lock()
	defer bc.statsMu.Unlock()
	return bc.stats
}

// WarmRange reads [start, start+n) into the cache and immediately
// releases each buffer, priming the cache ahead of a sequential scan
// (e.g. fsck's reachability walk). Concurrent WarmRange calls that
// overlap collapse onto one disk read per block via singleflight,
// rather than each racing bget's slow path independently; this is an
// optimization on top of Bread, not a substitute for the mandated
// bget choreography above.
func (bc *Cache) WarmRange(ctx context.Context, dev, start, n uint32) error {
	for blockno := start; blockno < start+n; blockno++ {
		blockno := blockno
		key := fmt.Sprintf("%d:%d", dev, blockno)
		_, err, _ := bc.warm.Do(key, func() (interface{}, error) {
			b, err := bc.Bread(ctx, dev, blockno)
			if err != nil {
				return nil, err
			}
			bc.Brelse(b)
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
