// Package dirfs implements directories-as-inode-content and path
// resolution over package inode (spec.md §4.5): directory entries are
// an array of fixed records stored in a DIR inode's own data, and
// namex walks a path one component at a time, holding at most one
// directory lock at a time.
package dirfs

import (
	"encoding/binary"

	"tfs/limits"
)

// direntSize is sizeof(dirent) in spec.md §6's on-disk format: a
// uint16 inode number followed by a DIRSIZ-byte, null-padded name.
const direntSize = 2 + limits.DIRSIZ

// DirentSize is the on-disk width of one directory entry, exported for
// fs.Format, which writes a directory's initial "." and ".." entries
// directly to a data block before any inode.Cache exists.
const DirentSize = direntSize

// EncodeDirent writes {inum, name} into buf[:DirentSize].
func EncodeDirent(buf []byte, inum uint32, name string) {
	encodeDirent(buf, dirent{Inum: inum, Name: name})
}

// dirent is one directory entry. Inum==0 marks an empty slot.
type dirent struct {
	Inum uint32
	Name string
}

func encodeDirent(buf []byte, d dirent) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Inum))
	nb := buf[2 : 2+limits.DIRSIZ]
	for i := range nb {
		nb[i] = 0
	}
	copy(nb, d.Name)
}

func decodeDirent(buf []byte) dirent {
	inum := uint32(binary.LittleEndian.Uint16(buf[0:2]))
	nb := buf[2 : 2+limits.DIRSIZ]
	end := len(nb)
	for i, c := range nb {
		if c == 0 {
			end = i
			break
		}
	}
	return dirent{Inum: inum, Name: string(nb[:end])}
}

// namecmp reports whether a and b name the same component, comparing
// at most DIRSIZ bytes of each (spec.md §4.5).
func namecmp(a, b string) bool {
	if len(a) > limits.DIRSIZ {
		a = a[:limits.DIRSIZ]
	}
	if len(b) > limits.DIRSIZ {
		b = b[:limits.DIRSIZ]
	}
	return a == b
}
