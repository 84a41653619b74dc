package dirfs

import (
	"context"

	"tfs/ferr"
	"tfs/inode"
	"tfs/limits"
)

// skipelem strips path's leading slashes, copies its next component
// (truncated to DIRSIZ bytes) into elem, and returns the remainder
// with its own leading slashes stripped so it is ready for the next
// call. ok is false once path has no more components (spec.md §4.5,
// "skipelem").
func skipelem(path string) (elem, rest string, ok bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return "", "", false
	}
	i := 0
	for i < len(path) && path[i] != '/' {
		i++
	}
	elem = path[:i]
	if len(elem) > limits.DIRSIZ {
		elem = elem[:limits.DIRSIZ]
	}
	rest = path[i:]
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	return elem, rest, true
}

// namex is the shared implementation behind Namei and NameiParent
// (spec.md §4.5, "namex"). It starts at root if path is absolute, else
// at cwd, and descends one component at a time, holding at most one
// directory's lock at any instant: it locks the current inode, looks
// up the next element, then unlocks and drops the current inode before
// locking the next one. Both root and cwd are borrowed references —
// namex takes its own via Idup and never mutates or consumes the
// caller's.
func (d *Dirs) namex(ctx context.Context, path string, nameiparent bool, root, cwd *inode.Inode) (*inode.Inode, string, error) {
	var ip *inode.Inode
	if len(path) > 0 && path[0] == '/' {
		ip = d.ic.Idup(root)
	} else {
		ip = d.ic.Idup(cwd)
	}

	rest := path
	name := ""
	for {
		elem, next, ok := skipelem(rest)
		if !ok {
			break
		}

		if err := d.ic.Ilock(ctx, ip); err != nil {
			_ = d.ic.Iput(ctx, ip)
			return nil, "", err
		}
		if ip.Type != inode.Dir {
			d.ic.Iunlock(ip)
			_ = d.ic.Iput(ctx, ip)
			return nil, "", ferr.New(ferr.ENOTDIR, "namex", elem)
		}

		if nameiparent && next == "" {
			// elem is the final component: ip is its parent.
			// Return it unlocked but still referenced, per spec.
			d.ic.Iunlock(ip)
			return ip, elem, nil
		}

		child, _, err := d.Dirlookup(ctx, ip, elem)
		if err != nil {
			d.ic.Iunlock(ip)
			_ = d.ic.Iput(ctx, ip)
			return nil, "", err
		}
		d.ic.Iunlock(ip)
		_ = d.ic.Iput(ctx, ip)

		ip = child
		rest = next
		name = elem
	}

	if nameiparent {
		// The path named no component at all, so it has no parent.
		_ = d.ic.Iput(ctx, ip)
		return nil, "", ferr.New(ferr.ENOENT, "namex", path)
	}
	return ip, name, nil
}

// Namei resolves path to its inode, starting at root if path is
// absolute or cwd otherwise. The result is an unlocked, referenced
// inode that the caller must eventually Ilock (to use it) and Iput (to
// release it).
func (d *Dirs) Namei(ctx context.Context, path string, root, cwd *inode.Inode) (*inode.Inode, error) {
	ip, _, err := d.namex(ctx, path, false, root, cwd)
	return ip, err
}

// NameiParent resolves path's parent directory and returns it
// alongside the final path element's name, for callers (create,
// unlink, rename) that need to both locate and mutate the parent
// (spec.md §4.5).
func (d *Dirs) NameiParent(ctx context.Context, path string, root, cwd *inode.Inode) (*inode.Inode, string, error) {
	return d.namex(ctx, path, true, root, cwd)
}
