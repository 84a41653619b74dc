// Package journal implements the write-ahead redo log of spec.md §4.2:
// file-system operations are bracketed by BeginOp/EndOp and grouped into
// transactions; modified blocks are recorded in a contiguous on-disk log
// region and replayed on mount.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"tfs/bcache"
	"tfs/limits"
)

// Journal is the in-memory log state of spec.md §3 ("Log state").
type Journal struct {
	mu   sync.Mutex
	cond *sync.Cond

	bc    *bcache.Cache
	dev   uint32
	start uint32 // first log block (the header)
	size  uint32 // total blocks in the log region, header included

	outstanding int
	committing  bool

	n      int
	blocks [limits.LOGSIZE]uint32

	commits uint64 // diagnostic counter, see package diag
}

// Open mounts the log region [start, start+size) on dev, replaying any
// committed-but-uninstalled transaction left by a prior crash (spec.md
// §4.2, "Recovery").
func Open(ctx context.Context, bc *bcache.Cache, dev, start, size uint32) (*Journal, error) {
	if size < 2 {
		return nil, fmt.Errorf("journal: log region too small (%d blocks)", size)
	}
	j := &Journal{bc: bc, dev: dev, start: start, size: size}
	j.cond = sync.NewCond(&j.mu)
	if err := j.recover(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// BeginOp admits the caller into the current (or a fresh) transaction,
// blocking while a commit is in flight or while admitting the caller
// would risk overflowing the log's reservation (spec.md §4.2, "Group
// commit").
func (j *Journal) BeginOp(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for {
		if j.committing {
			if err := j.waitLocked(ctx); err != nil {
				return err
			}
			continue
		}
		if j.n+(j.outstanding+1)*limits.MAXOPBLOCKS > limits.LOGSIZE {
			if err := j.waitLocked(ctx); err != nil {
				return err
			}
			continue
		}
		j.outstanding++
		return nil
	}
}

// EndOp ends the caller's participation in the current transaction. If
// the caller was the last outstanding operation, it runs the commit
// (without holding j.mu, per spec.md §4.2) before returning.
func (j *Journal) EndOp(ctx context.Context) error {
	j.mu.Lock()
	if j.outstanding <= 0 {
		j.mu.Unlock()
		panic("journal: end_op with no outstanding operation")
	}
	j.outstanding--
	runCommit := false
	if j.outstanding == 0 {
		runCommit = true
		j.committing = true
	} else {
		// Another begin_op may now fit under the reservation bound.
		j.cond.Broadcast()
	}
	j.mu.Unlock()

	if !runCommit {
		return nil
	}

	commitErr := j.commit(ctx)

	j.mu.Lock()
	j.committing = false
	j.cond.Broadcast()
	j.mu.Unlock()

	return commitErr
}

// Write logs b for installation at b's home location once the current
// transaction commits (spec.md §4.2, "log_write"). The caller must hold
// b's sleep-lock and must be inside a BeginOp/EndOp bracket.
func (j *Journal) Write(b *bcache.Buffer) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.outstanding < 1 {
		panic("journal: log_write outside a transaction")
	}
	for i := 0; i < j.n; i++ {
		if j.blocks[i] == b.Blockno {
			return // absorption: one log slot serves repeated writes
		}
	}
	if j.n >= limits.LOGSIZE || j.n >= int(j.size)-1 {
		panic("journal: transaction too large for log")
	}
	j.blocks[j.n] = b.Blockno
	j.n++
	j.bc.Bpin(b)
}

// Sync brackets an empty operation, forcing a commit of whatever is
// currently outstanding to complete before it returns. It is a
// convenience for callers that want a synchronous checkpoint; it is not
// part of the spec's mandated interface.
func (j *Journal) Sync(ctx context.Context) error {
	if err := j.BeginOp(ctx); err != nil {
		return err
	}
	return j.EndOp(ctx)
}

// waitLocked atomically releases j.mu and parks the caller until woken,
// per the "sleep(ch, spin)" primitive in spec.md §9. A cancelled ctx
// wakes this particular waiter early with ctx.Err(); it does not affect
// any other waiter or the log's state.
func (j *Journal) waitLocked(ctx context.Context) error {
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				j.mu.Lock()
				j.cond.Broadcast()
				j.mu.Unlock()
			case <-stop:
			}
		}()
	}
	j.cond.Wait()
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// commit implements spec.md §4.2's four-step commit algorithm. It must
// run without j.mu held.
func (j *Journal) commit(ctx context.Context) error {
	j.mu.Lock()
	n := j.n
	var blocks [limits.LOGSIZE]uint32
	copy(blocks[:], j.blocks[:n])
	j.mu.Unlock()

	if n == 0 {
		return nil
	}

	// Step 1: copy each logged buffer's payload into its log slot.
	for i := 0; i < n; i++ {
		if err := j.copyToLog(ctx, i, blocks[i]); err != nil {
			return err
		}
	}

	// Step 2: write the header. This is the commit point.
	if err := j.writeHead(ctx, n, blocks[:n]); err != nil {
		return err
	}

	// Step 3: install payloads to their home locations and unpin.
	if err := j.installTrans(ctx, n, blocks[:n], false); err != nil {
		return err
	}

	// Step 4: clear the log.
	j.mu.Lock()
	j.n = 0
	j.commits++
	j.mu.Unlock()
	return j.writeHead(ctx, 0, nil)
}

func (j *Journal) copyToLog(ctx context.Context, slot int, home uint32) error {
	hb, err := j.bc.Bread(ctx, j.dev, home)
	if err != nil {
		return err
	}
	defer j.bc.Brelse(hb)

	lb, err := j.bc.Bread(ctx, j.dev, j.start+1+uint32(slot))
	if err != nil {
		return err
	}
	defer j.bc.Brelse(lb)

	copy(lb.Data[:], hb.Data[:])
	return j.bc.Bwrite(ctx, lb)
}

// installTrans copies n logged payloads from the log region to their
// home locations. When recovering is false, it also bunpins each home
// buffer, undoing the Bpin that Write performed — this is the only
// place a buffer logged via Write is ever released back to the cache.
func (j *Journal) installTrans(ctx context.Context, n int, blocks []uint32, recovering bool) error {
	for i := 0; i < n; i++ {
		lb, err := j.bc.Bread(ctx, j.dev, j.start+1+uint32(i))
		if err != nil {
			return err
		}
		hb, err := j.bc.Bread(ctx, j.dev, blocks[i])
		if err != nil {
			j.bc.Brelse(lb)
			return err
		}
		copy(hb.Data[:], lb.Data[:])
		werr := j.bc.Bwrite(ctx, hb)
		j.bc.Brelse(lb)
		if werr != nil {
			j.bc.Brelse(hb)
			return werr
		}
		if !recovering {
			j.bc.Bunpin(hb)
		}
		j.bc.Brelse(hb)
	}
	return nil
}

// recover replays a committed-but-uninstalled transaction left by a
// previous crash, then clears the log header (spec.md §4.2,
// "Recovery"). Idempotent: replaying an already-cleared log is a no-op.
func (j *Journal) recover(ctx context.Context) error {
	hb, err := j.bc.Bread(ctx, j.dev, j.start)
	if err != nil {
		return err
	}
	n, blocks := decodeHeader(hb.Data[:])
	j.bc.Brelse(hb)

	if n > 0 {
		if err := j.installTrans(ctx, n, blocks[:n], true); err != nil {
			return err
		}
	}
	j.n = 0
	return j.writeHead(ctx, 0, nil)
}

func (j *Journal) writeHead(ctx context.Context, n int, blocks []uint32) error {
	hb, err := j.bc.Bread(ctx, j.dev, j.start)
	if err != nil {
		return err
	}
	defer j.bc.Brelse(hb)
	encodeHeader(hb.Data[:], n, blocks)
	return j.bc.Bwrite(ctx, hb)
}

// encodeHeader/decodeHeader implement the on-disk log header format of
// spec.md §6: {n: int32, block: int32[LOGSIZE]}, little-endian.
func encodeHeader(buf []byte, n int, blocks []uint32) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	for i := 0; i < n; i++ {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], blocks[i])
	}
}

func decodeHeader(buf []byte) (int, [limits.LOGSIZE]uint32) {
	var blocks [limits.LOGSIZE]uint32
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if n < 0 || n > limits.LOGSIZE {
		panic(fmt.Sprintf("journal: corrupt log header, n=%d", n))
	}
	for i := 0; i < n; i++ {
		off := 4 + i*4
		blocks[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return n, blocks
}

// Commits reports the number of transactions committed so far.
func (j *Journal) Commits() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}
