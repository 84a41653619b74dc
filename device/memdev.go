package device

import (
	"context"
	"sync"

	"tfs/limits"
)

// Mem is an in-memory Device, used by tests and by the admission/commit
// fault-injection harness in package journal. It is safe for concurrent
// use.
type Mem struct {
	mu     sync.Mutex
	blocks [][limits.BSIZE]byte

	// FailAfter, if non-negative, causes the FailAfter'th write (0
	// indexed, counted across ReadAt+WriteAt calls) to return ErrInjected
	// instead of completing, modeling a crash mid-transaction for the
	// atomicity tests in Testable Property 3 / scenario S3.
	FailAfter int
	writes    int
}

// ErrInjected is returned by Mem once its configured failure point is
// reached.
type ErrInjected struct{}

func (ErrInjected) Error() string { return "device: injected failure" }

// NewMem constructs a zero-filled in-memory device of nblocks blocks.
func NewMem(nblocks uint32) *Mem {
	m := &Mem{FailAfter: -1}
	m.blocks = make([][limits.BSIZE]byte, nblocks)
	return m
}

func (m *Mem) NumBlocks() uint32 { return uint32(len(m.blocks)) }

func (m *Mem) ReadAt(ctx context.Context, blockno uint32, buf []byte) error {
	checkBuf(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockno >= uint32(len(m.blocks)) {
		return &ErrBounds{blockno, uint32(len(m.blocks))}
	}
	copy(buf, m.blocks[blockno][:])
	return nil
}

func (m *Mem) WriteAt(ctx context.Context, blockno uint32, buf []byte) error {
	checkBuf(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockno >= uint32(len(m.blocks)) {
		return &ErrBounds{blockno, uint32(len(m.blocks))}
	}
	if m.FailAfter >= 0 {
		if m.writes == m.FailAfter {
			m.writes++
			return ErrInjected{}
		}
		m.writes++
	}
	copy(m.blocks[blockno][:], buf)
	return nil
}

// Snapshot returns a copy of block blockno's current contents, for test
// assertions that must not race with concurrent writers.
func (m *Mem) Snapshot(blockno uint32) [limits.BSIZE]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[blockno]
}
