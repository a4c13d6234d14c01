/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 11:22:40 2019 mstenber
 * Last modified: Tue Mar 19 11:58:02 2019 mstenber
 * Edit time:     147 min
 *
 */

package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
)

// Allocator owns every pool of one volume. Pool selection prefers
// the hinted pool (locality), then walks outward to the nearest pool
// with space.
type Allocator struct {
	// WasteThreshold is the accepted internal fragmentation (in
	// bytes) when growing a chunk in place; beyond it a new chunk
	// is allocated elsewhere instead.
	WasteThreshold uint64

	dev   device.Device
	pools []*Pool
}

const DefaultWasteThreshold = 4096

func (self Allocator) Init(dev device.Device) *Allocator {
	self.dev = dev
	if self.WasteThreshold == 0 {
		self.WasteThreshold = DefaultWasteThreshold
	}
	return &self
}

// Format partitions the device's data area into pools of poolBlocks
// data blocks each (a trailing smaller pool takes the remainder) and
// writes their tables. Returns the first pool table address for the
// superblock. poolBlocks must be a multiple of 8 so the bitmap has
// no padding bits.
func (self *Allocator) Format(firstLBA uint64, poolBlocks uint64) (layout.Address, error) {
	if poolBlocks%8 != 0 {
		poolBlocks -= poolBlocks % 8
	}
	bs := self.dev.BlockSize()
	lba := firstLBA
	index := 0
	self.pools = nil
	for {
		tb := tableBlocks(poolBlocks, bs)
		remaining := self.dev.BlockCount() - lba
		if remaining < tb+8 {
			break
		}
		blocks := poolBlocks
		if lba+tb+blocks > self.dev.BlockCount() {
			blocks = (self.dev.BlockCount() - lba - tb) &^ 7
			if blocks == 0 {
				break
			}
		}
		p := newPool(index, layout.Address(lba), lba+tb, blocks)
		p.dirty = true
		self.pools = append(self.pools, p)
		mlog.Printf2("pool/allocator", "al.Format pool %d at %v, %d blocks", index, lba, blocks)
		lba = p.DataStart + blocks
		index++
	}
	if len(self.pools) == 0 {
		return layout.NilAddress, ErrNoSpace
	}
	for i := 0; i < len(self.pools)-1; i++ {
		self.pools[i].Next = self.pools[i+1].TableAddr
	}
	if err := self.Flush(); err != nil {
		return layout.NilAddress, err
	}
	return self.pools[0].TableAddr, nil
}

// Load follows the pool chain from the superblock's first pool
// pointer, decoding each table. A corrupt pool surfaces as
// PoolCorruptError for the mount layer to decide on.
func (self *Allocator) Load(first layout.Address) error {
	bs := self.dev.BlockSize()
	addr := first
	index := 0
	self.pools = nil
	for addr != layout.NilAddress {
		// Table length fields live in the first block; the
		// bitmap length gives the pool's geometry.
		blk, err := self.dev.ReadBlock(uint64(addr))
		if err != nil {
			return err
		}
		bitmapLen := binary.LittleEndian.Uint32(blk[8:12])
		blocks := uint64(bitmapLen) * 8
		// The length field is read before the table CRC can be
		// checked; bound it so a corrupt value cannot drive a huge
		// allocation and read loop first.
		if blocks == 0 || blocks > self.dev.BlockCount() {
			return &PoolCorruptError{Pool: index,
				Err: fmt.Errorf("implausible pool size %d blocks", blocks)}
		}
		tb := tableBlocks(blocks, bs)
		p := newPool(index, addr, uint64(addr)+tb, blocks)
		if err := p.load(self.dev); err != nil {
			return err
		}
		self.pools = append(self.pools, p)
		mlog.Printf2("pool/allocator", "al.Load pool %d at %v, %d blocks", index, addr, blocks)
		addr = p.Next
		index++
	}
	return nil
}

func (self *Allocator) Flush() error {
	for _, p := range self.pools {
		if err := p.flush(self.dev); err != nil {
			return err
		}
	}
	return nil
}

func (self *Allocator) Pools() int {
	return len(self.pools)
}

// PoolOf returns the index of the pool containing the address, or -1.
func (self *Allocator) PoolOf(addr layout.Address) int {
	for _, p := range self.pools {
		if p.Contains(uint64(addr)) {
			return p.Index
		}
	}
	return -1
}

// poolOrder yields pool indexes nearest-first from the hint.
func (self *Allocator) poolOrder(hint int) []int {
	n := len(self.pools)
	if hint < 0 || hint >= n {
		hint = 0
	}
	order := make([]int, 0, n)
	order = append(order, hint)
	for d := 1; d < n; d++ {
		if hint+d < n {
			order = append(order, hint+d)
		}
		if hint-d >= 0 {
			order = append(order, hint-d)
		}
	}
	return order
}

// Allocate finds a chunk of the smallest exponent holding size
// payload bytes, preferring the hinted pool. Returns the chunk
// address, the chosen exponent and the pool the chunk landed in (the
// caller records it as the file's new locality hint if it moved).
func (self *Allocator) Allocate(poolHint int, size uint64) (layout.Address, uint8, int, error) {
	exp, err := layout.ExpForSize(size, self.dev.BlockSize())
	if err != nil {
		return layout.NilAddress, 0, 0, err
	}
	n := uint64(1) << exp
	for _, pi := range self.poolOrder(poolHint) {
		p := self.pools[pi]
		unlock := p.lock.Locked()
		start, ok := p.findRun(n)
		if ok {
			p.markRun(start, n, true)
			unlock()
			addr := layout.Address(p.DataStart + start)
			mlog.Printf2("pool/allocator", "al.Allocate %d b -> %v exp %d pool %d", size, addr, exp, pi)
			return addr, exp, pi, nil
		}
		unlock()
	}
	return layout.NilAddress, 0, 0, ErrNoSpace
}

// Free releases a chunk of 2^exp blocks.
func (self *Allocator) Free(addr layout.Address, exp uint8) error {
	pi := self.PoolOf(addr)
	if pi < 0 {
		return ErrNoSpace
	}
	p := self.pools[pi]
	defer p.lock.Locked()()
	p.markRun(uint64(addr)-p.DataStart, uint64(1)<<exp, false)
	mlog.Printf2("pool/allocator", "al.Free %v exp %d", addr, exp)
	return nil
}

// Grow extends a chunk currently holding used payload bytes by
// additional bytes. In place if the request still fits, or if buddy
// expansion is possible and the wasted space of rounding to the next
// exponent stays within WasteThreshold (low-fragment mode ignores
// the threshold). Otherwise a fresh chunk is allocated near the old
// one and moved=true tells the caller to copy and free the original.
func (self *Allocator) Grow(addr layout.Address, exp uint8, used, additional uint64, lowFrag bool) (newAddr layout.Address, newExp uint8, moved bool, err error) {
	bs := self.dev.BlockSize()
	need := used + additional
	if need+layout.ChunkHeaderSize <= layout.ChunkSize(exp, bs) {
		return addr, exp, false, nil
	}
	newExp, err = layout.ExpForSize(need, bs)
	if err != nil {
		return
	}
	waste := layout.ChunkSize(newExp, bs) - need - layout.ChunkHeaderSize
	if lowFrag || waste <= self.WasteThreshold {
		if self.growInPlace(addr, exp, newExp) {
			mlog.Printf2("pool/allocator", "al.Grow %v exp %d->%d in place (waste %d)", addr, exp, newExp, waste)
			return addr, newExp, false, nil
		}
	}
	pi := self.PoolOf(addr)
	newAddr, newExp, _, err = self.Allocate(pi, need)
	if err != nil {
		return
	}
	mlog.Printf2("pool/allocator", "al.Grow %v exp %d -> new chunk %v exp %d", addr, exp, newAddr, newExp)
	return newAddr, newExp, true, nil
}

// growInPlace claims the buddy blocks needed to expand addr from exp
// to newExp, if the chunk is suitably aligned and they are all free.
func (self *Allocator) growInPlace(addr layout.Address, exp, newExp uint8) bool {
	pi := self.PoolOf(addr)
	if pi < 0 {
		return false
	}
	p := self.pools[pi]
	defer p.lock.Locked()()
	rel := uint64(addr) - p.DataStart
	n := uint64(1) << newExp
	if rel%n != 0 {
		return false
	}
	old := uint64(1) << exp
	if !p.runFree(rel+old, n-old) {
		return false
	}
	p.markRun(rel+old, n-old, true)
	return true
}

// TotalFree sums free blocks over all pools.
func (self *Allocator) TotalFree() uint64 {
	total := uint64(0)
	for _, p := range self.pools {
		total += p.FreeBlocks()
	}
	return total
}
