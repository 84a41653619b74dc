package fs

import (
	"encoding/binary"
	"fmt"

	"tfs/limits"
)

// Superblock is the immutable-after-format layout descriptor stored in
// block 1 of the device (spec.md §3, "Superblock").
type Superblock struct {
	Magic      uint32
	Size       uint32 // total blocks on the device
	Nblocks    uint32 // data blocks (Size minus metadata)
	Ninodes    uint32
	Nlog       uint32
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

// superblockSize is the on-disk width of Superblock: eight uint32
// fields, little-endian (spec.md §6, "Superblock on-disk format").
const superblockSize = 8 * 4

func encodeSuperblock(buf []byte, sb Superblock) {
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Size)
	binary.LittleEndian.PutUint32(buf[8:12], sb.Nblocks)
	binary.LittleEndian.PutUint32(buf[12:16], sb.Ninodes)
	binary.LittleEndian.PutUint32(buf[16:20], sb.Nlog)
	binary.LittleEndian.PutUint32(buf[20:24], sb.LogStart)
	binary.LittleEndian.PutUint32(buf[24:28], sb.InodeStart)
	binary.LittleEndian.PutUint32(buf[28:32], sb.BmapStart)
}

func decodeSuperblock(buf []byte) Superblock {
	return Superblock{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Size:       binary.LittleEndian.Uint32(buf[4:8]),
		Nblocks:    binary.LittleEndian.Uint32(buf[8:12]),
		Ninodes:    binary.LittleEndian.Uint32(buf[12:16]),
		Nlog:       binary.LittleEndian.Uint32(buf[16:20]),
		LogStart:   binary.LittleEndian.Uint32(buf[20:24]),
		InodeStart: binary.LittleEndian.Uint32(buf[24:28]),
		BmapStart:  binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// validateMagic panics on a bad superblock magic, per spec.md §7: "Any
// instance whose magic does not match is fatal."
func validateMagic(sb Superblock) {
	if sb.Magic != limits.FSMAGIC {
		panic(fmt.Sprintf("fs: bad superblock magic %#x, want %#x", sb.Magic, limits.FSMAGIC))
	}
}
