package device

import (
	"context"
	"fmt"
	"os"

	"tfs/limits"
)

// File is a Device backed by a regular file, addressed with
// pread/pwrite-style positional I/O (os.File.ReadAt/WriteAt), in the
// manner of the canonical xv6 mkfs's wsect/rsect helpers.
type File struct {
	f       *os.File
	nblocks uint32
}

// OpenFile opens (without truncating) an existing image file of
// exactly nblocks blocks. A nblocks of 0 means "derive it from the
// file's current size" — the caller doesn't yet know the volume's
// layout until it has read the superblock, which it can only do once
// this Device exists.
func OpenFile(path string, nblocks uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if nblocks == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		nblocks = uint32(info.Size() / limits.BSIZE)
	}
	return &File{f: f, nblocks: nblocks}, nil
}

// CreateFile creates (truncating if necessary) a zero-filled image file
// of nblocks blocks, for use by cmd/mkfs.
func CreateFile(path string, nblocks uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * limits.BSIZE); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, nblocks: nblocks}, nil
}

func (d *File) NumBlocks() uint32 { return d.nblocks }

func (d *File) Close() error { return d.f.Close() }

func (d *File) ReadAt(ctx context.Context, blockno uint32, buf []byte) error {
	checkBuf(buf)
	if blockno >= d.nblocks {
		return &ErrBounds{blockno, d.nblocks}
	}
	off := int64(blockno) * limits.BSIZE
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("device: read block %d: %w", blockno, err)
	}
	if n != limits.BSIZE {
		return fmt.Errorf("device: short read block %d: got %d bytes", blockno, n)
	}
	return nil
}

func (d *File) WriteAt(ctx context.Context, blockno uint32, buf []byte) error {
	checkBuf(buf)
	if blockno >= d.nblocks {
		return &ErrBounds{blockno, d.nblocks}
	}
	off := int64(blockno) * limits.BSIZE
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("device: write block %d: %w", blockno, err)
	}
	if n != limits.BSIZE {
		return fmt.Errorf("device: short write block %d: wrote %d bytes", blockno, n)
	}
	return nil
}
