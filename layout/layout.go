/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 09:21:05 2019 mstenber
 * Last modified: Mon Mar 18 13:40:28 2019 mstenber
 * Edit time:     102 min
 *
 */

// layout defines the on-disk format: bit-exact encoding and decoding
// of every structure that hits the device, and the CRC primitives
// that seal them. Everything is little-endian; bitfields are packed
// low bits first within their byte or word.
//
// Nothing in this package performs I/O.
package layout

import (
	"errors"
	"fmt"
	"hash/crc32"
)

// Address is the device LBA of a chunk's first block. Address 0 is
// never a valid chunk (the superblock lives there), so 0 doubles as
// nil pointer and sparse hole marker.
type Address uint64

const NilAddress Address = 0

// MaxBlockExp bounds the 4-bit block exponent field.
const MaxBlockExp = 15

var ErrReservedBits = errors.New("reserved bits set in header")
var ErrBadExponent = errors.New("block exponent out of range")
var ErrShortBuffer = errors.New("buffer too short for structure")
var ErrNameTooLong = errors.New("name exceeds 10-bit length field")

// CorruptionError reports a CRC mismatch on a checked structure. It
// is reported, never silently repaired.
type CorruptionError struct {
	Addr Address
	Want uint32
	Got  uint32
}

func (self *CorruptionError) Error() string {
	return fmt.Sprintf("corruption at %d: crc %08x != stored %08x",
		self.Addr, self.Got, self.Want)
}

// castagnoliTable: same polynomial the storage industry favors for
// on-disk checksums.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Seal computes the checksum stored in the various header CRC fields.
func Seal(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// Verify checks data against a stored CRC.
func Verify(data []byte, crc uint32) bool {
	return Seal(data) == crc
}

// ChunkSize is 2^exp device blocks.
func ChunkSize(exp uint8, blockSize int) uint64 {
	return uint64(blockSize) << exp
}

// ExpForSize picks the smallest exponent whose chunk holds size
// payload bytes (chunk header included in the first block).
func ExpForSize(size uint64, blockSize int) (uint8, error) {
	need := size + ChunkHeaderSize
	for exp := uint8(0); exp <= MaxBlockExp; exp++ {
		if ChunkSize(exp, blockSize) >= need {
			return exp, nil
		}
	}
	return 0, ErrBadExponent
}
