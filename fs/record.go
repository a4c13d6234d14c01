/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 10:31:09 2019 mstenber
 * Last modified: Fri Mar 22 16:02:25 2019 mstenber
 * Edit time:     88 min
 *
 */

package fs

import (
	"encoding/binary"
	"strings"

	"github.com/fingon/go-mxfs/btree"
	"github.com/fingon/go-mxfs/cow"
	"github.com/fingon/go-mxfs/layout"
)

// FileFlags is a file's capability set, stored in its record and
// evaluated per operation.
type FileFlags uint8

const (
	// FlagNoCRC disables integrity verification of the file's
	// unshared chunks.
	FlagNoCRC FileFlags = 1 << iota

	// FlagNoCoW disables the copy step for writes to the file's
	// own unshared extents.
	FlagNoCoW

	// FlagLowFrag always grows the file's extents in place.
	FlagLowFrag

	// FlagCompress / FlagSnappy / FlagEncrypt select payload
	// transforms for the file's data extents.
	FlagCompress
	FlagSnappy
	FlagEncrypt

	// FlagDir marks a directory record; it has entries, not data.
	FlagDir
)

func (self FileFlags) caps() cow.Capabilities {
	return cow.Capabilities{
		NoCRC:    self&FlagNoCRC != 0,
		NoCoW:    self&FlagNoCoW != 0,
		LowFrag:  self&FlagLowFrag != 0,
		Compress: self&FlagCompress != 0,
		Snappy:   self&FlagSnappy != 0,
		Encrypt:  self&FlagEncrypt != 0,
	}
}

// Tree key space, one byte of type tag + big-endian ids so byte
// ordering matches numeric ordering:
//
//	"C"                      file id counter (u64 LE value)
//	"D" <dirID:8> <name>     directory entry -> file id (u64 LE)
//	"F" <fileID:8>           file record
//	"E" <fileID:8> <off:8>   data table row -> DataTableEntry
const counterKey = "C"

func be64(v uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return string(b[:])
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func u64le(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func dirKey(dirID uint64, name string) string {
	return "D" + be64(dirID) + name
}

func dirPrefix(dirID uint64) string {
	return "D" + be64(dirID)
}

func fileKey(fileID uint64) string {
	return "F" + be64(fileID)
}

func extKey(fileID, off uint64) string {
	return "E" + be64(fileID) + be64(off)
}

func extPrefix(fileID uint64) string {
	return "E" + be64(fileID)
}

// extKeyOffset recovers the file offset from a data table key.
func extKeyOffset(key string) uint64 {
	return binary.BigEndian.Uint64([]byte(key[9:17]))
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

// fileRecord is the decoded form of a file's record value: the
// on-disk FileExtentRecord prefix (CRC, latest extent exponent,
// inline name) plus size, flags, link count and the pool locality
// hint:
//
//	CRC:32 | BLK-EXP:4 | NAME-LEN:10 | (reserved:2) | name |
//	SIZE:64 | FLAGS:8 | NLINK:8 | POOL-HINT:16
//
// The CRC seals everything after itself.
type fileRecord struct {
	Name     string
	BlockExp uint8
	Size     uint64
	Flags    FileFlags
	Nlink    uint8
	PoolHint uint16
}

const recordSuffixSize = 12

func (self *fileRecord) encode() ([]byte, error) {
	fer := layout.FileExtentRecord{BlockExp: self.BlockExp, Name: []byte(self.Name)}
	b := make([]byte, fer.EncodedSize()+recordSuffixSize)
	if err := fer.Encode(b); err != nil {
		return nil, err
	}
	o := fer.EncodedSize()
	binary.LittleEndian.PutUint64(b[o:], self.Size)
	b[o+8] = uint8(self.Flags)
	b[o+9] = self.Nlink
	binary.LittleEndian.PutUint16(b[o+10:], self.PoolHint)
	binary.LittleEndian.PutUint32(b[0:4], layout.Seal(b[4:]))
	return b, nil
}

func (self *fileRecord) decode(b []byte) error {
	var fer layout.FileExtentRecord
	if err := fer.Decode(b); err != nil {
		return err
	}
	crc := binary.LittleEndian.Uint32(b[0:4])
	if !layout.Verify(b[4:], crc) {
		return &layout.CorruptionError{Want: crc, Got: layout.Seal(b[4:])}
	}
	o := layout.FileExtentRecordFixedSize + len(fer.Name)
	if len(b) < o+recordSuffixSize {
		return layout.ErrShortBuffer
	}
	self.Name = string(fer.Name)
	self.BlockExp = fer.BlockExp
	self.Size = binary.LittleEndian.Uint64(b[o:])
	self.Flags = FileFlags(b[o+8])
	self.Nlink = b[o+9]
	self.PoolHint = binary.LittleEndian.Uint16(b[o+10:])
	return nil
}

func (self *Volume) getRecord(fileID uint64) (*fileRecord, error) {
	v, err := self.Tree.Lookup(fileKey(fileID))
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err = rec.decode(v); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (self *Volume) putRecord(fileID uint64, rec *fileRecord) error {
	b, err := rec.encode()
	if err != nil {
		return err
	}
	return self.Tree.Update(fileKey(fileID), b)
}

// nextFileID hands out the next id from the counter record.
func (self *Volume) nextFileID() (uint64, error) {
	v, err := self.Tree.Lookup(counterKey)
	if err != nil {
		return 0, err
	}
	id := binary.LittleEndian.Uint64(v)
	if err = self.Tree.Update(counterKey, le64(id+1)); err != nil {
		return 0, err
	}
	return id, nil
}

func encodeEntry(e *layout.DataTableEntry) []byte {
	b := make([]byte, layout.DataTableEntrySize)
	if err := e.Encode(b); err != nil {
		panic(err)
	}
	return b
}

func decodeEntry(v []byte) (*layout.DataTableEntry, error) {
	var e layout.DataTableEntry
	if err := e.Decode(v); err != nil {
		return nil, err
	}
	return &e, nil
}

// floorEntry finds the data table row at or before off, if the file
// has one.
func (self *Volume) floorEntry(fileID, off uint64) (*layout.DataTableEntry, error) {
	k, v, err := self.Tree.Floor(extKey(fileID, off))
	if err == btree.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !hasPrefix(k, extPrefix(fileID)) {
		return nil, nil
	}
	return decodeEntry(v)
}

// nextEntryOffset returns the offset of the first data table row
// strictly after off, or ^0 if none.
func (self *Volume) nextEntryOffset(fileID, off uint64) (uint64, error) {
	k, _, err := self.Tree.NextKey(extKey(fileID, off))
	if err == btree.ErrNotFound {
		return ^uint64(0), nil
	}
	if err != nil {
		return 0, err
	}
	if !hasPrefix(k, extPrefix(fileID)) {
		return ^uint64(0), nil
	}
	return extKeyOffset(k), nil
}
