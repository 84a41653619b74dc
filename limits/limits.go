// Package limits collects the fixed-size tunables that the buffer cache,
// log, and inode layer are compiled against. The teacher (biscuit's
// limits package) keeps these as a mutable Syslimit_t for a running
// kernel to adjust; this core's constants are compile-time because the
// spec's on-disk formats (inode width, directory entry width, log header
// width) depend on them dividing BSIZE evenly.
package limits

const (
	// BSIZE is the size in bytes of one disk block.
	BSIZE = 1024

	// FSMAGIC identifies a formatted volume; any other value in the
	// superblock's Magic field is fatal.
	FSMAGIC = 0x10203040

	// NDIRECT is the number of direct block addresses in a dinode.
	NDIRECT = 11

	// NINDIRECT is the number of block addresses that fit in one
	// indirect block.
	NINDIRECT = BSIZE / 4

	// MAXFILE is the maximum number of data blocks addressable by one
	// inode: direct + single-indirect + double-indirect.
	MAXFILE = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	// DIRSIZ is the fixed width, in bytes, of a directory entry's name
	// field.
	DIRSIZ = 14

	// NINODE is the size of the in-memory inode cache.
	NINODE = 50

	// NBUF is the number of buffers in the buffer cache.
	NBUF = 30

	// NBUFMAP_BUCKET is the number of hash buckets the buffer cache is
	// partitioned across; canonically a small prime.
	NBUFMAP_BUCKET = 13

	// LOGSIZE is the number of on-disk log blocks available for
	// payloads (the header itself occupies one additional block).
	LOGSIZE = 30

	// MAXOPBLOCKS is the upper bound on the number of distinct blocks
	// one file-system operation may log; it sizes the log's admission
	// reservation.
	MAXOPBLOCKS = 10
)

// Sizeof returns n*BSIZE, a convenience used throughout the core when
// converting a block count to a byte extent.
func Sizeof(nblocks int) int64 {
	return int64(nblocks) * BSIZE
}
