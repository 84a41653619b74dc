package dirfs

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"tfs/ferr"
	"tfs/inode"
	"tfs/limits"
)

// Dirs provides directory operations over an inode cache. It holds no
// state of its own; every method's effects land in the inode and
// journal layers it wraps.
type Dirs struct {
	ic *inode.Cache
}

// New wraps ic with directory-entry semantics.
func New(ic *inode.Cache) *Dirs {
	return &Dirs{ic: ic}
}

// Dirlookup scans dp's content for name, skipping empty slots, and
// returns a fresh (unlocked) reference to the matching inode and,
// optionally, its byte offset within dp. The caller must hold dp's
// lock and dp must be a directory (spec.md §4.5, "dirlookup").
func (d *Dirs) Dirlookup(ctx context.Context, dp *inode.Inode, name string) (*inode.Inode, uint32, error) {
	if dp.Lock == nil || !dp.Lock.Holding() {
		panic("dirfs: dirlookup without dp.lock held")
	}
	if dp.Type != inode.Dir {
		panic("dirfs: dirlookup of non-directory")
	}

	buf := make([]byte, direntSize)
	for off := uint32(0); off < dp.Size; off += direntSize {
		n, err := d.ic.Readi(ctx, dp, buf, off)
		if err != nil {
			return nil, 0, err
		}
		if n != direntSize {
			panic("dirfs: short directory entry read")
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if namecmp(de.Name, name) {
			ip := d.ic.Iget(dp.Dev, de.Inum)
			return ip, off, nil
		}
	}
	return nil, 0, ferr.New(ferr.ENOENT, "dirlookup", name)
}

// Dirlink adds {name, inum} to dp's content, reusing the first empty
// slot or appending one if there is none. It refuses to shadow an
// existing entry of the same name. The caller must hold dp's lock and
// must be inside a transaction (spec.md §4.5, "dirlink").
func (d *Dirs) Dirlink(ctx context.Context, dp *inode.Inode, name string, inum uint32) error {
	if !dp.Lock.Holding() {
		panic("dirfs: dirlink without dp.lock held")
	}
	// Normalize to NFC before the length check and before it ever
	// reaches disk: two callers typing the same name with different
	// Unicode decompositions (e.g. combining vs. precomposed accents)
	// must land on the same directory entry, not two duplicates that
	// differ only in byte representation.
	name = norm.NFC.String(name)
	if len(name) > limits.DIRSIZ {
		return ferr.New(ferr.ENAMETOOLONG, "dirlink", name)
	}

	if existing, _, err := d.Dirlookup(ctx, dp, name); err == nil {
		if err := d.ic.Iput(ctx, existing); err != nil {
			return err
		}
		return ferr.New(ferr.EEXIST, "dirlink", name)
	}

	buf := make([]byte, direntSize)
	off := uint32(0)
	for ; off < dp.Size; off += direntSize {
		n, err := d.ic.Readi(ctx, dp, buf, off)
		if err != nil {
			return err
		}
		if n != direntSize {
			panic("dirfs: short directory entry read")
		}
		if decodeDirent(buf).Inum == 0 {
			break
		}
	}

	encodeDirent(buf, dirent{Inum: inum, Name: name})
	n, err := d.ic.Writei(ctx, dp, buf, off)
	if err != nil {
		return err
	}
	if n != direntSize {
		panic("dirfs: short directory entry write")
	}
	return nil
}

// Dirempty reports whether dp, a directory, contains nothing but "."
// and "..". The caller must hold dp's lock.
func (d *Dirs) Dirempty(ctx context.Context, dp *inode.Inode) (bool, error) {
	buf := make([]byte, direntSize)
	for off := uint32(2 * direntSize); off < dp.Size; off += direntSize {
		n, err := d.ic.Readi(ctx, dp, buf, off)
		if err != nil {
			return false, err
		}
		if n != direntSize {
			panic("dirfs: short directory entry read")
		}
		if decodeDirent(buf).Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}
