/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 15:33:58 2019 mstenber
 * Last modified: Mon Mar 18 14:10:45 2019 mstenber
 * Edit time:     55 min
 *
 */

package layout

import "encoding/binary"

// PoolTable is the on-disk bookkeeping of one extent pool:
//
//	NEXT-POOL:64 | BITMAP-LEN:32 | BADLIST-LEN:32 | bitmap | bad LBAs | CRC:32
//
// BITMAP-LEN is in bytes, BADLIST-LEN in entries (64-bit LBAs each).
// The trailing CRC seals the whole table; a mismatch means the pool
// is corrupt and must not be allocated from.
const poolTableFixedSize = 16

type PoolTable struct {
	NextPool  Address
	Bitmap    []byte
	BadBlocks []uint64
}

func (self *PoolTable) EncodedSize() int {
	return poolTableFixedSize + len(self.Bitmap) + 8*len(self.BadBlocks) + 4
}

func (self *PoolTable) Encode(b []byte) error {
	if len(b) < self.EncodedSize() {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(self.NextPool))
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(self.Bitmap)))
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(self.BadBlocks)))
	ofs := poolTableFixedSize
	copy(b[ofs:], self.Bitmap)
	ofs += len(self.Bitmap)
	for _, lba := range self.BadBlocks {
		binary.LittleEndian.PutUint64(b[ofs:ofs+8], lba)
		ofs += 8
	}
	binary.LittleEndian.PutUint32(b[ofs:ofs+4], Seal(b[:ofs]))
	return nil
}

func (self *PoolTable) Decode(b []byte) error {
	if len(b) < poolTableFixedSize {
		return ErrShortBuffer
	}
	bitmapLen := int(binary.LittleEndian.Uint32(b[8:12]))
	badLen := int(binary.LittleEndian.Uint32(b[12:16]))
	total := poolTableFixedSize + bitmapLen + 8*badLen
	if len(b) < total+4 {
		return ErrShortBuffer
	}
	crc := binary.LittleEndian.Uint32(b[total : total+4])
	if !Verify(b[:total], crc) {
		return &CorruptionError{Want: crc, Got: Seal(b[:total])}
	}
	self.NextPool = Address(binary.LittleEndian.Uint64(b[0:8]))
	self.Bitmap = make([]byte, bitmapLen)
	ofs := poolTableFixedSize
	copy(self.Bitmap, b[ofs:ofs+bitmapLen])
	ofs += bitmapLen
	self.BadBlocks = make([]uint64, badLen)
	for i := 0; i < badLen; i++ {
		self.BadBlocks[i] = binary.LittleEndian.Uint64(b[ofs : ofs+8])
		ofs += 8
	}
	return nil
}
