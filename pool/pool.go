/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 09:05:17 2019 mstenber
 * Last modified: Tue Mar 19 10:31:26 2019 mstenber
 * Edit time:     131 min
 *
 */

// pool implements the extent allocator. The device is partitioned
// into pools, each with its own free bitmap and bad-block list, to
// preserve data locality; a file's extents prefer allocation within
// one pool. Chunks are 2^exp blocks, allocated aligned to their own
// size so they can later grow in place buddy-style.
package pool

import (
	"errors"
	"fmt"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/util"
)

// ErrNoSpace: no reachable pool can satisfy the request.
var ErrNoSpace = errors.New("no space in any reachable pool")

// PoolCorruptError: the pool's own table failed its integrity check.
// Fatal for the pool; the volume may continue on remaining pools.
type PoolCorruptError struct {
	Pool int
	Err  error
}

func (self *PoolCorruptError) Error() string {
	return fmt.Sprintf("pool %d corrupt: %v", self.Pool, self.Err)
}

// Pool is one locality-preserving partition of the device. Its table
// occupies tableBlocks blocks at TableAddr; the allocatable data
// blocks follow immediately.
type Pool struct {
	Index     int
	TableAddr layout.Address
	DataStart uint64
	Blocks    uint64
	Next      layout.Address

	// bitmap: one bit per data block, 1 = in use. Bad blocks are
	// kept permanently set here as well as listed in bad.
	bitmap []byte
	bad    map[uint64]bool

	// The pool lock is finer than the metadata tree lock;
	// allocation and indexing are logically independent.
	lock  util.MutexLocked
	dirty bool
}

func newPool(index int, tableAddr layout.Address, dataStart, blocks uint64) *Pool {
	return &Pool{Index: index, TableAddr: tableAddr,
		DataStart: dataStart, Blocks: blocks,
		bitmap: make([]byte, (blocks+7)/8),
		bad:    make(map[uint64]bool)}
}

func (self *Pool) bitSet(i uint64) bool {
	return self.bitmap[i/8]&(1<<(i%8)) != 0
}

func (self *Pool) setBit(i uint64) {
	self.bitmap[i/8] |= 1 << (i % 8)
}

func (self *Pool) clearBit(i uint64) {
	self.bitmap[i/8] &^= 1 << (i % 8)
}

// findRun scans for a free, non-bad run of n blocks aligned to n.
// Bad blocks simply skip to the next aligned candidate; that is the
// bounded local retry the error model asks for.
func (self *Pool) findRun(n uint64) (uint64, bool) {
	for start := uint64(0); start+n <= self.Blocks; start += n {
		ok := true
		for i := start; i < start+n; i++ {
			if self.bitSet(i) {
				ok = false
				break
			}
		}
		if ok {
			return start, true
		}
	}
	return 0, false
}

// runFree is true if blocks [start,start+n) are all free and usable.
func (self *Pool) runFree(start, n uint64) bool {
	if start+n > self.Blocks {
		return false
	}
	for i := start; i < start+n; i++ {
		if self.bitSet(i) {
			return false
		}
	}
	return true
}

func (self *Pool) markRun(start, n uint64, used bool) {
	for i := start; i < start+n; i++ {
		if used {
			self.setBit(i)
		} else {
			self.clearBit(i)
		}
	}
	self.dirty = true
}

// Contains is true if the absolute LBA falls in this pool's data area.
func (self *Pool) Contains(lba uint64) bool {
	return lba >= self.DataStart && lba < self.DataStart+self.Blocks
}

// FreeBlocks counts free blocks (bad ones are permanently used).
func (self *Pool) FreeBlocks() uint64 {
	defer self.lock.Locked()()
	n := uint64(0)
	for i := uint64(0); i < self.Blocks; i++ {
		if !self.bitSet(i) {
			n++
		}
	}
	return n
}

// MarkBad records a data block as bad; it is never allocated again.
func (self *Pool) MarkBad(lba uint64) {
	defer self.lock.Locked()()
	i := lba - self.DataStart
	self.bad[lba] = true
	self.setBit(i)
	self.dirty = true
	mlog.Printf2("pool/pool", "p%d.MarkBad %v", self.Index, lba)
}

func (self *Pool) table() *layout.PoolTable {
	bad := make([]uint64, 0, len(self.bad))
	for lba := range self.bad {
		bad = append(bad, lba)
	}
	// Deterministic table image regardless of map order
	for i := 1; i < len(bad); i++ {
		for j := i; j > 0 && bad[j] < bad[j-1]; j-- {
			bad[j], bad[j-1] = bad[j-1], bad[j]
		}
	}
	bm := make([]byte, len(self.bitmap))
	copy(bm, self.bitmap)
	return &layout.PoolTable{NextPool: self.Next, Bitmap: bm, BadBlocks: bad}
}

func (self *Pool) loadTable(pt *layout.PoolTable) error {
	if len(pt.Bitmap) != len(self.bitmap) {
		return fmt.Errorf("bitmap length %d != expected %d",
			len(pt.Bitmap), len(self.bitmap))
	}
	copy(self.bitmap, pt.Bitmap)
	self.Next = pt.NextPool
	for _, lba := range pt.BadBlocks {
		if !self.Contains(lba) {
			return fmt.Errorf("bad block %d outside pool", lba)
		}
		self.bad[lba] = true
		self.setBit(lba - self.DataStart)
	}
	return nil
}

// tableBlocks is how many device blocks a pool table area occupies.
func tableBlocks(poolBlocks uint64, blockSize int) uint64 {
	maxSize := 16 + (poolBlocks+7)/8 + 8*maxBadBlocks + 4
	return (maxSize + uint64(blockSize) - 1) / uint64(blockSize)
}

// maxBadBlocks bounds the table area reserved for the bad list.
const maxBadBlocks = 64

func (self *Pool) flush(dev device.Device) error {
	defer self.lock.Locked()()
	if !self.dirty {
		return nil
	}
	pt := self.table()
	if len(pt.BadBlocks) > maxBadBlocks {
		// The bitmap still carries every bad block as used, so the
		// overflow stays unallocatable; only the explicit list
		// entries past the table area are dropped.
		mlog.Printf2("pool/pool", "p%d.flush bad list overflow: %d > %d",
			self.Index, len(pt.BadBlocks), maxBadBlocks)
		pt.BadBlocks = pt.BadBlocks[:maxBadBlocks]
	}
	area := int(tableBlocks(self.Blocks, dev.BlockSize())) * dev.BlockSize()
	b := make([]byte, area)
	if err := pt.Encode(b); err != nil {
		return err
	}
	for i := 0; i < area/dev.BlockSize(); i++ {
		lba := uint64(self.TableAddr) + uint64(i)
		if err := dev.WriteBlock(lba, b[i*dev.BlockSize():(i+1)*dev.BlockSize()]); err != nil {
			return err
		}
	}
	self.dirty = false
	mlog.Printf2("pool/pool", "p%d.flush", self.Index)
	return nil
}

func (self *Pool) load(dev device.Device) error {
	area := int(tableBlocks(self.Blocks, dev.BlockSize())) * dev.BlockSize()
	b := make([]byte, area)
	for i := 0; i < area/dev.BlockSize(); i++ {
		lba := uint64(self.TableAddr) + uint64(i)
		blk, err := dev.ReadBlock(lba)
		if err != nil {
			return err
		}
		copy(b[i*dev.BlockSize():], blk)
	}
	var pt layout.PoolTable
	if err := pt.Decode(b); err != nil {
		return &PoolCorruptError{Pool: self.Index, Err: err}
	}
	if err := self.loadTable(&pt); err != nil {
		return &PoolCorruptError{Pool: self.Index, Err: err}
	}
	return nil
}
