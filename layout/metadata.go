/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 11:17:46 2019 mstenber
 * Last modified: Mon Mar 18 13:51:09 2019 mstenber
 * Edit time:     84 min
 *
 */

package layout

import "encoding/binary"

// MetaExtentHeader heads every metadata extent:
//
//	CRC:32 | CONT:64 | BLK-EXP:4 | (reserved:4)
//
// CONT chains extents when metadata outgrows one chunk; NilAddress
// terminates the chain. CRC covers this extent's payload bytes.
const MetaExtentHeaderSize = 13

type MetaExtentHeader struct {
	CRC      uint32
	Cont     Address
	BlockExp uint8
}

func (self *MetaExtentHeader) Encode(b []byte) error {
	if len(b) < MetaExtentHeaderSize {
		return ErrShortBuffer
	}
	if self.BlockExp > MaxBlockExp {
		return ErrBadExponent
	}
	binary.LittleEndian.PutUint32(b[0:4], self.CRC)
	binary.LittleEndian.PutUint64(b[4:12], uint64(self.Cont))
	b[12] = self.BlockExp
	return nil
}

func (self *MetaExtentHeader) Decode(b []byte) error {
	if len(b) < MetaExtentHeaderSize {
		return ErrShortBuffer
	}
	if b[12]&0xF0 != 0 {
		return ErrReservedBits
	}
	self.CRC = binary.LittleEndian.Uint32(b[0:4])
	self.Cont = Address(binary.LittleEndian.Uint64(b[4:12]))
	self.BlockExp = b[12]
	return nil
}

func (self *MetaExtentHeader) Capacity(blockSize int) uint64 {
	return ChunkSize(self.BlockExp, blockSize) - MetaExtentHeaderSize
}

// FileExtentRecord is the fixed prefix of a directory entry's file
// record:
//
//	CRC:32 | BLK-EXP:4 | NAME-LEN:10 | (reserved:2)
//
// followed by NAME-LEN inline name bytes. Packed as CRC LE + one u16
// LE with exponent in bits 0-3 and name length in bits 4-13.
const FileExtentRecordFixedSize = 6

const MaxNameLen = 1<<10 - 1

type FileExtentRecord struct {
	CRC      uint32
	BlockExp uint8
	Name     []byte
}

func (self *FileExtentRecord) EncodedSize() int {
	return FileExtentRecordFixedSize + len(self.Name)
}

func (self *FileExtentRecord) Encode(b []byte) error {
	if len(self.Name) > MaxNameLen {
		return ErrNameTooLong
	}
	if len(b) < self.EncodedSize() {
		return ErrShortBuffer
	}
	if self.BlockExp > MaxBlockExp {
		return ErrBadExponent
	}
	binary.LittleEndian.PutUint32(b[0:4], self.CRC)
	packed := uint16(self.BlockExp) | uint16(len(self.Name))<<4
	binary.LittleEndian.PutUint16(b[4:6], packed)
	copy(b[6:], self.Name)
	return nil
}

func (self *FileExtentRecord) Decode(b []byte) error {
	if len(b) < FileExtentRecordFixedSize {
		return ErrShortBuffer
	}
	packed := binary.LittleEndian.Uint16(b[4:6])
	if packed&0xC000 != 0 {
		return ErrReservedBits
	}
	nameLen := int(packed >> 4 & 0x3FF)
	if len(b) < FileExtentRecordFixedSize+nameLen {
		return ErrShortBuffer
	}
	self.CRC = binary.LittleEndian.Uint32(b[0:4])
	self.BlockExp = uint8(packed & 0xF)
	self.Name = make([]byte, nameLen)
	copy(self.Name, b[6:6+nameLen])
	return nil
}

// DataTableEntry is one row of a file's content data table:
//
//	FILE-OFFSET:64 | DATA-EXTENT-ADDRESS:64
//
// Rows are kept in strictly increasing offset order; a NilAddress
// marks a sparse hole that reads as zeroes.
const DataTableEntrySize = 16

type DataTableEntry struct {
	FileOffset uint64
	Extent     Address
}

func (self *DataTableEntry) Encode(b []byte) error {
	if len(b) < DataTableEntrySize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(b[0:8], self.FileOffset)
	binary.LittleEndian.PutUint64(b[8:16], uint64(self.Extent))
	return nil
}

func (self *DataTableEntry) Decode(b []byte) error {
	if len(b) < DataTableEntrySize {
		return ErrShortBuffer
	}
	self.FileOffset = binary.LittleEndian.Uint64(b[0:8])
	self.Extent = Address(binary.LittleEndian.Uint64(b[8:16]))
	return nil
}

func (self *DataTableEntry) IsHole() bool {
	return self.Extent == NilAddress
}
