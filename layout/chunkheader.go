/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 10:02:33 2019 mstenber
 * Last modified: Mon Mar 18 13:42:51 2019 mstenber
 * Edit time:     58 min
 *
 */

package layout

import "encoding/binary"

// ChunkHeader occupies the first 64 bits of every data chunk:
//
//	REF-CNT:16 | BLK-EXP:4 | FLAGS:4 | (reserved:8) | CRC:32
//
// Byte layout: [0:2] refcount LE, [2] exponent low nibble + flags
// high nibble, [3] reserved zero, [4:8] CRC LE. The CRC covers the
// chunk payload as stored (after any codec transform).
const ChunkHeaderSize = 8

// ChunkFlags is the per-chunk flag nibble. These describe how the
// payload bytes are stored; per-file capabilities (NoCRC etc.) live
// in the file record instead.
type ChunkFlags uint8

const (
	ChunkLZ4 ChunkFlags = 1 << iota
	ChunkSnappy
	ChunkEncrypted
	// fourth bit reserved
)

type ChunkHeader struct {
	RefCount uint16
	BlockExp uint8
	Flags    ChunkFlags
	CRC      uint32
}

func (self *ChunkHeader) Encode(b []byte) error {
	if len(b) < ChunkHeaderSize {
		return ErrShortBuffer
	}
	if self.BlockExp > MaxBlockExp {
		return ErrBadExponent
	}
	if self.Flags > 0xF {
		return ErrReservedBits
	}
	binary.LittleEndian.PutUint16(b[0:2], self.RefCount)
	b[2] = self.BlockExp | uint8(self.Flags)<<4
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], self.CRC)
	return nil
}

func (self *ChunkHeader) Decode(b []byte) error {
	if len(b) < ChunkHeaderSize {
		return ErrShortBuffer
	}
	if b[3] != 0 {
		return ErrReservedBits
	}
	self.RefCount = binary.LittleEndian.Uint16(b[0:2])
	self.BlockExp = b[2] & 0xF
	self.Flags = ChunkFlags(b[2] >> 4)
	self.CRC = binary.LittleEndian.Uint32(b[4:8])
	return nil
}

// Size is the full chunk size in bytes for a given device block size.
func (self *ChunkHeader) Size(blockSize int) uint64 {
	return ChunkSize(self.BlockExp, blockSize)
}

// Capacity is how many payload bytes fit after the header.
func (self *ChunkHeader) Capacity(blockSize int) uint64 {
	return self.Size(blockSize) - ChunkHeaderSize
}
