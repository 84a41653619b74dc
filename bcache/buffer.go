package bcache

import (
	"tfs/limits"
	"tfs/sleeplock"
)

// Buffer is one cached disk block (spec.md §3, "Buffer"). Its identity
// (Dev, Blockno) is stable for as long as any caller holds Refcnt>0;
// once Refcnt drops to zero it is eligible for eviction and its identity
// may change under a future caller entirely.
//
// Buffers live in one fixed arena (see Cache.arena) and are indexed by
// small integers rather than linked via raw pointers, per the design
// note in spec.md §9: this makes "a buffer is owned by exactly one
// bucket at a time" a structural property of the index bookkeeping in
// Cache rather than something callers must maintain by hand.
type Buffer struct {
	Dev     uint32
	Blockno uint32
	Valid   bool
	Refcnt  int
	Lastuse uint64
	Lock    *sleeplock.L
	Data    [limits.BSIZE]byte

	// next chains this buffer within its current hash bucket. -1 marks
	// the end of the chain. Mutated only while the owning bucket's
	// bucketLock is held.
	next int
}
