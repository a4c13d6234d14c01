/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 09:31:50 2019 mstenber
 * Last modified: Wed Mar 20 10:44:31 2019 mstenber
 * Edit time:     176 min
 *
 */

// cow manages data extents: reference counted chunks with
// copy-on-write semantics and per-chunk CRC integrity. A chunk with
// refcount 1 is written in place; a shared chunk is copied first and
// the caller must repoint to the returned address.
//
// Payload area layout within a chunk: raw chunks use the full
// capacity after the header, CRC over the whole area. Transformed
// chunks (any flag bit set) store u32 LE encoded length + encoded
// bytes and are written whole-chunk only.
package cow

import (
	"encoding/binary"
	"errors"

	"github.com/fingon/go-mxfs/codec"
	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/pool"
)

var ErrRefCountOverflow = errors.New("chunk reference count at 16-bit maximum")
var ErrWriteBeyondChunk = errors.New("write beyond chunk capacity")

// compressedSlack is the worst-case codec framing overhead beyond
// the input: compression frame (5) + GCM nonce and tag (28).
const compressedSlack = 33

// Capabilities is the per-file capability set, evaluated
// per-operation (not a type hierarchy).
type Capabilities struct {
	// NoCRC: skip integrity verification on read for this file's
	// unshared chunks.
	NoCRC bool

	// NoCoW: the copy step stays disabled for writes to this
	// file's own unshared extents. Shared extents are still
	// copied; anything else would corrupt the other referrers.
	NoCoW bool

	// LowFrag: always grow chunks in place when possible,
	// regardless of the waste threshold. Forced on for metadata
	// extents.
	LowFrag bool

	// Compress / Snappy / Encrypt select the codec transforms for
	// whole-chunk writes.
	Compress bool
	Snappy   bool
	Encrypt  bool
}

func (self Capabilities) chunkFlags() layout.ChunkFlags {
	var f layout.ChunkFlags
	if self.Compress {
		if self.Snappy {
			f |= layout.ChunkSnappy
		} else {
			f |= layout.ChunkLZ4
		}
	}
	if self.Encrypt {
		f |= layout.ChunkEncrypted
	}
	return f
}

// Manager owns the data extents of one volume.
type Manager struct {
	Dev   device.Device
	Alloc *pool.Allocator

	// Codec handles transformed chunks; may be nil if no file
	// ever sets a transform capability.
	Codec codec.Codec
}

func (self Manager) Init() *Manager {
	return &self
}

func (self *Manager) blockSize() int {
	return self.Dev.BlockSize()
}

func (self *Manager) readRaw(addr layout.Address, blocks uint64) ([]byte, error) {
	bs := self.blockSize()
	buf := make([]byte, blocks*uint64(bs))
	for i := uint64(0); i < blocks; i++ {
		b, err := self.Dev.ReadBlock(uint64(addr) + i)
		if err != nil {
			return nil, err
		}
		copy(buf[i*uint64(bs):], b)
	}
	return buf, nil
}

func (self *Manager) writeRaw(addr layout.Address, buf []byte) error {
	bs := self.blockSize()
	for i := 0; i < len(buf)/bs; i++ {
		err := self.Dev.WriteBlock(uint64(addr)+uint64(i), buf[i*bs:(i+1)*bs])
		if err != nil {
			return err
		}
	}
	return nil
}

// readChunk returns the header and the stored payload area.
func (self *Manager) readChunk(addr layout.Address) (*layout.ChunkHeader, []byte, error) {
	first, err := self.Dev.ReadBlock(uint64(addr))
	if err != nil {
		return nil, nil, err
	}
	var hdr layout.ChunkHeader
	if err = hdr.Decode(first); err != nil {
		return nil, nil, err
	}
	blocks := uint64(1) << hdr.BlockExp
	buf := first
	if blocks > 1 {
		buf, err = self.readRaw(addr, blocks)
		if err != nil {
			return nil, nil, err
		}
	}
	return &hdr, buf[layout.ChunkHeaderSize:], nil
}

// writeChunk seals the payload area and writes header + payload.
func (self *Manager) writeChunk(addr layout.Address, hdr *layout.ChunkHeader, payload []byte) error {
	bs := self.blockSize()
	buf := make([]byte, layout.ChunkSize(hdr.BlockExp, bs))
	copy(buf[layout.ChunkHeaderSize:], payload)
	hdr.CRC = layout.Seal(buf[layout.ChunkHeaderSize:])
	if err := hdr.Encode(buf); err != nil {
		return err
	}
	return self.writeRaw(addr, buf)
}

// updateHeader rewrites just the header block, preserving payload.
func (self *Manager) updateHeader(addr layout.Address, hdr *layout.ChunkHeader) error {
	first, err := self.Dev.ReadBlock(uint64(addr))
	if err != nil {
		return err
	}
	if err = hdr.Encode(first); err != nil {
		return err
	}
	return self.Dev.WriteBlock(uint64(addr), first)
}

// Header reads just the chunk header.
func (self *Manager) Header(addr layout.Address) (*layout.ChunkHeader, error) {
	first, err := self.Dev.ReadBlock(uint64(addr))
	if err != nil {
		return nil, err
	}
	var hdr layout.ChunkHeader
	if err = hdr.Decode(first); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// encodeStored produces the stored payload area image for data:
// as-is for raw chunks, length-framed codec output for transformed.
func (self *Manager) encodeStored(data []byte, flags layout.ChunkFlags) ([]byte, error) {
	if flags == 0 {
		return data, nil
	}
	enc, err := self.Codec.EncodeBytes(data, nil)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, 4+len(enc))
	binary.LittleEndian.PutUint32(stored, uint32(len(enc)))
	copy(stored[4:], enc)
	return stored, nil
}

// Create allocates a fresh chunk near poolHint holding data, with
// refcount 1. Returns the address, chosen exponent and landing pool.
func (self *Manager) Create(poolHint int, data []byte, caps Capabilities) (layout.Address, uint8, int, error) {
	flags := caps.chunkFlags()
	stored, err := self.encodeStored(data, flags)
	if err != nil {
		return layout.NilAddress, 0, 0, err
	}
	addr, exp, pi, err := self.Alloc.Allocate(poolHint, uint64(len(stored)))
	if err != nil {
		return layout.NilAddress, 0, 0, err
	}
	hdr := &layout.ChunkHeader{RefCount: 1, BlockExp: exp, Flags: flags}
	if err = self.writeChunk(addr, hdr, stored); err != nil {
		return layout.NilAddress, 0, 0, err
	}
	mlog.Printf2("cow/cow", "cm.Create %v exp %d pool %d (%d b)", addr, exp, pi, len(data))
	return addr, exp, pi, nil
}

// Read returns the chunk header and decoded payload. Verification is
// conservative: only unshared chunks with CRC enabled are checked,
// since a shared chunk may be referenced by a file that disabled CRC.
func (self *Manager) Read(addr layout.Address, caps Capabilities) (*layout.ChunkHeader, []byte, error) {
	hdr, payload, err := self.readChunk(addr)
	if err != nil {
		return nil, nil, err
	}
	if hdr.RefCount == 1 && !caps.NoCRC {
		if !layout.Verify(payload, hdr.CRC) {
			return nil, nil, &layout.CorruptionError{
				Addr: addr, Want: hdr.CRC, Got: layout.Seal(payload)}
		}
	}
	if hdr.Flags != 0 {
		n := binary.LittleEndian.Uint32(payload[0:4])
		if uint64(n) > uint64(len(payload)-4) {
			return nil, nil, &layout.CorruptionError{
				Addr: addr, Want: hdr.CRC, Got: 0}
		}
		dec, err := self.Codec.DecodeBytes(payload[4:4+n], nil)
		if err != nil {
			return nil, nil, err
		}
		payload = dec
	}
	return hdr, payload, nil
}

// Write writes data at a byte offset within the chunk's payload.
// In place iff the chunk is unshared; a shared chunk is copied
// first, the original's refcount dropped by one, and the new address
// returned. Callers MUST repoint to the returned address.
//
// Transformed chunks do not support sub-chunk offsets; they are
// rewritten whole (offset 0).
func (self *Manager) Write(addr layout.Address, offset uint64, data []byte, caps Capabilities) (layout.Address, error) {
	hdr, payload, err := self.Read(addr, caps)
	if err != nil {
		return layout.NilAddress, err
	}
	if hdr.Flags != 0 && offset != 0 {
		return layout.NilAddress, ErrWriteBeyondChunk
	}
	if hdr.RefCount == 1 {
		// NoCoW is only ever about this path: the chunk is our
		// own, mutate it directly.
		if hdr.Flags == 0 {
			if offset+uint64(len(data)) > uint64(len(payload)) {
				return layout.NilAddress, ErrWriteBeyondChunk
			}
			copy(payload[offset:], data)
			if err = self.writeChunk(addr, hdr, payload); err != nil {
				return layout.NilAddress, err
			}
			return addr, nil
		}
		stored := make([]byte, len(data))
		copy(stored, data)
		return addr, self.rewriteTransformed(addr, hdr, stored)
	}

	// Shared: copy, apply, release original.
	merged := make([]byte, len(payload))
	copy(merged, payload)
	if hdr.Flags == 0 {
		if offset+uint64(len(data)) > uint64(len(merged)) {
			return layout.NilAddress, ErrWriteBeyondChunk
		}
		copy(merged[offset:], data)
	} else {
		merged = data
	}
	poolHint := self.Alloc.PoolOf(addr)
	newAddr, _, _, err := self.Create(poolHint, merged, caps)
	if err != nil {
		return layout.NilAddress, err
	}
	if _, err = self.Release(addr); err != nil {
		return layout.NilAddress, err
	}
	mlog.Printf2("cow/cow", "cm.Write cow %v -> %v", addr, newAddr)
	return newAddr, nil
}

func (self *Manager) rewriteTransformed(addr layout.Address, hdr *layout.ChunkHeader, data []byte) error {
	stored, err := self.encodeStored(data, hdr.Flags)
	if err != nil {
		return err
	}
	if uint64(len(stored)) > hdr.Capacity(self.blockSize()) {
		return ErrWriteBeyondChunk
	}
	return self.writeChunk(addr, hdr, stored)
}

// Share increments the chunk's refcount (hard link, snapshot).
func (self *Manager) Share(addr layout.Address) error {
	hdr, err := self.Header(addr)
	if err != nil {
		return err
	}
	if hdr.RefCount == ^uint16(0) {
		return ErrRefCountOverflow
	}
	hdr.RefCount++
	mlog.Printf2("cow/cow", "cm.Share %v -> %d", addr, hdr.RefCount)
	return self.updateHeader(addr, hdr)
}

// Release decrements the refcount; at zero the chunk's blocks are
// returned to the allocator. Reports whether the chunk was freed.
func (self *Manager) Release(addr layout.Address) (freed bool, err error) {
	hdr, err := self.Header(addr)
	if err != nil {
		return false, err
	}
	hdr.RefCount--
	mlog.Printf2("cow/cow", "cm.Release %v -> %d", addr, hdr.RefCount)
	if hdr.RefCount == 0 {
		return true, self.Alloc.Free(addr, hdr.BlockExp)
	}
	return false, self.updateHeader(addr, hdr)
}

// Grow extends an unshared chunk holding used payload bytes by
// additional bytes, through the allocator's fragmentation policy.
// If the chunk moved, payload is carried over and the old blocks
// freed; the caller repoints to the returned address. used counts
// decoded payload bytes for transformed chunks.
func (self *Manager) Grow(addr layout.Address, used, additional uint64, caps Capabilities) (layout.Address, error) {
	hdr, payload, err := self.Read(addr, caps)
	if err != nil {
		return layout.NilAddress, err
	}
	newExpFor := used + additional
	if hdr.Flags != 0 {
		// Framed payload: size the chunk for the frame, not the
		// decoded bytes; worst case encoded == decoded + frame.
		newExpFor += 4 + compressedSlack
	}
	newAddr, newExp, moved, err := self.Alloc.Grow(addr, hdr.BlockExp, newExpFor-additional, additional, caps.LowFrag)
	if err != nil {
		return layout.NilAddress, err
	}
	nh := &layout.ChunkHeader{RefCount: hdr.RefCount, BlockExp: newExp, Flags: hdr.Flags}
	stored, err := self.encodeStored(payload[:used], hdr.Flags)
	if err != nil {
		return layout.NilAddress, err
	}
	if err = self.writeChunk(newAddr, nh, stored); err != nil {
		return layout.NilAddress, err
	}
	if moved {
		if err = self.Alloc.Free(addr, hdr.BlockExp); err != nil {
			return layout.NilAddress, err
		}
		mlog.Printf2("cow/cow", "cm.Grow %v -> %v exp %d", addr, newAddr, newExp)
	}
	return newAddr, nil
}
