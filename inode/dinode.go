package inode

import (
	"encoding/binary"

	"tfs/limits"
)

// Type is an inode's on-disk type tag (spec.md §3).
type Type int16

const (
	Free Type = 0
	File Type = 1
	Dir  Type = 2
	Dev  Type = 3
)

// Dinode is the on-disk inode record (spec.md §3, "On-disk inode").
// NDIRECT direct addresses, one single-indirect, one double-indirect.
type Dinode struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [limits.NDIRECT + 2]uint32
}

// dinodeSize is sizeof(dinode) in spec.md's wire format: four int16
// fields, one uint32, and (NDIRECT+2) uint32 addresses.
const dinodeSize = 2 + 2 + 2 + 2 + 4 + (limits.NDIRECT+2)*4

// ipb is the number of dinodes packed per block; BSIZE/dinodeSize must
// divide evenly (spec.md §3).
const ipb = limits.BSIZE / dinodeSize

// BlocksNeeded returns the number of blocks required to hold ninodes
// dinodes, for callers (fs.Format, cmd/mkfs) that must lay out the
// inode region before any Cache exists.
func BlocksNeeded(ninodes uint32) uint32 {
	return (ninodes + ipb - 1) / ipb
}

// DinodeSize is sizeof(dinode) on disk, exported for callers that lay
// out the inode region directly (fs.Format).
const DinodeSize = dinodeSize

// InodesPerBlock is the number of dinodes packed per block.
const InodesPerBlock = ipb

// EncodeDinode writes d to buf[:DinodeSize], exported for fs.Format.
func EncodeDinode(buf []byte, d *Dinode) { encodeDinode(buf, d) }

// DecodeDinode reads a Dinode from buf[:DinodeSize], exported for
// cmd/fsck's reachability walk.
func DecodeDinode(buf []byte) Dinode { return decodeDinode(buf) }

func init() {
	if limits.BSIZE%dinodeSize != 0 {
		panic("inode: dinodeSize does not evenly divide BSIZE")
	}
}

func encodeDinode(buf []byte, d *Dinode) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Type))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(d.Major))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(d.Minor))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(d.Nlink))
	binary.LittleEndian.PutUint32(buf[8:12], d.Size)
	for i, a := range d.Addrs {
		off := 12 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
	}
}

func decodeDinode(buf []byte) Dinode {
	var d Dinode
	d.Type = int16(binary.LittleEndian.Uint16(buf[0:2]))
	d.Major = int16(binary.LittleEndian.Uint16(buf[2:4]))
	d.Minor = int16(binary.LittleEndian.Uint16(buf[4:6]))
	d.Nlink = int16(binary.LittleEndian.Uint16(buf[6:8]))
	d.Size = binary.LittleEndian.Uint32(buf[8:12])
	for i := range d.Addrs {
		off := 12 + i*4
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return d
}
