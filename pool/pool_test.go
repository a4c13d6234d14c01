/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 14:50:33 2019 mstenber
 * Last modified: Tue Mar 19 12:40:19 2019 mstenber
 * Edit time:     88 min
 *
 */

package pool

import (
	"encoding/binary"
	"testing"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/device/inmemory"
	"github.com/fingon/go-mxfs/layout"
	"github.com/stvp/assert"
)

func testAllocator(t *testing.T, blocks uint64, poolBlocks uint64) (device.Device, *Allocator, layout.Address) {
	dev := inmemory.NewInMemoryDevice(device.Config{BlockCount: blocks})
	al := Allocator{}.Init(dev)
	first, err := al.Format(1, poolBlocks)
	assert.Nil(t, err)
	return dev, al, first
}

func TestAllocateFree(t *testing.T) {
	t.Parallel()
	_, al, _ := testAllocator(t, 200, 64)
	assert.Equal(t, al.Pools(), 3)

	a1, exp, pi, err := al.Allocate(0, 100)
	assert.Nil(t, err)
	assert.Equal(t, exp, uint8(0))
	assert.Equal(t, pi, 0)

	// Chunk of >1 block and its alignment
	a2, exp, _, err := al.Allocate(0, 2000)
	assert.Nil(t, err)
	assert.Equal(t, exp, uint8(2))
	p := al.pools[0]
	assert.Equal(t, (uint64(a2)-p.DataStart)%4, uint64(0))

	free := al.TotalFree()
	assert.Nil(t, al.Free(a2, 2))
	assert.Equal(t, al.TotalFree(), free+4)
	assert.Nil(t, al.Free(a1, 0))
}

func TestBadBlockSkipped(t *testing.T) {
	t.Parallel()
	_, al, _ := testAllocator(t, 200, 64)
	p := al.pools[0]
	bad := p.DataStart // first data block
	p.MarkBad(bad)
	a, _, pi, err := al.Allocate(0, 10)
	assert.Nil(t, err)
	assert.Equal(t, pi, 0)
	assert.True(t, uint64(a) != bad)
}

func TestCrossPoolSpill(t *testing.T) {
	t.Parallel()
	// Pool A full, pool B has space: allocation hinted at A must
	// land in the nearest pool with space, not fail.
	_, al, _ := testAllocator(t, 200, 64)
	for i := 0; i < 64; i++ {
		_, _, pi, err := al.Allocate(0, 10)
		assert.Nil(t, err)
		assert.Equal(t, pi, 0)
	}
	a, _, pi, err := al.Allocate(0, 10)
	assert.Nil(t, err)
	assert.Equal(t, pi, 1)
	assert.True(t, al.pools[1].Contains(uint64(a)))
}

func TestNoSpace(t *testing.T) {
	t.Parallel()
	_, al, _ := testAllocator(t, 70, 64)
	assert.Equal(t, al.Pools(), 1)
	for {
		_, _, _, err := al.Allocate(0, 10)
		if err != nil {
			assert.Equal(t, err, ErrNoSpace)
			break
		}
	}
}

func TestGrowPolicy(t *testing.T) {
	t.Parallel()
	_, al, _ := testAllocator(t, 200, 64)
	const cap0 = 512 - layout.ChunkHeaderSize

	// Growing exp 0 -> exp 1 with one extra byte wastes 511
	// bytes; with threshold exactly at the waste the in-place
	// branch must win (boundary: waste == T).
	al.WasteThreshold = 511
	a1, exp, _, err := al.Allocate(0, cap0)
	assert.Nil(t, err)
	assert.Equal(t, exp, uint8(0))
	na, nexp, moved, err := al.Grow(a1, 0, cap0, 1, false)
	assert.Nil(t, err)
	assert.False(t, moved)
	assert.Equal(t, na, a1)
	assert.Equal(t, nexp, uint8(1))

	// Still fits current chunk: no-op
	na, nexp, moved, err = al.Grow(na, nexp, cap0+1, 100, false)
	assert.Nil(t, err)
	assert.False(t, moved)
	assert.Equal(t, nexp, uint8(1))

	// waste > T: a fresh chunk elsewhere
	al.WasteThreshold = 510
	a2, _, _, err := al.Allocate(0, cap0)
	assert.Nil(t, err)
	na, nexp, moved, err = al.Grow(a2, 0, cap0, 1, false)
	assert.Nil(t, err)
	assert.True(t, moved)
	assert.True(t, na != a2)
	assert.Equal(t, nexp, uint8(1))
}

func TestGrowLowFragment(t *testing.T) {
	t.Parallel()
	// Low-fragment mode ignores the waste threshold entirely.
	_, al, _ := testAllocator(t, 200, 64)
	al.WasteThreshold = 0
	a, exp, _, err := al.Allocate(0, 600)
	assert.Nil(t, err)
	assert.Equal(t, exp, uint8(1))
	cap1 := uint64(1024 - layout.ChunkHeaderSize)
	na, nexp, moved, err := al.Grow(a, 1, cap1, 1, true)
	assert.Nil(t, err)
	assert.False(t, moved)
	assert.Equal(t, na, a)
	assert.Equal(t, nexp, uint8(2))
}

func TestFlushLoad(t *testing.T) {
	t.Parallel()
	dev, al, first := testAllocator(t, 200, 64)
	a1, _, _, err := al.Allocate(0, 100)
	assert.Nil(t, err)
	al.pools[0].MarkBad(al.pools[0].DataStart + 5)
	assert.Nil(t, al.Flush())

	al2 := Allocator{}.Init(dev)
	assert.Nil(t, al2.Load(first))
	assert.Equal(t, al2.Pools(), al.Pools())
	assert.Equal(t, al2.TotalFree(), al.TotalFree())
	assert.Equal(t, al2.PoolOf(a1), 0)
	// The allocated block and the bad block stay unavailable
	assert.True(t, al2.pools[0].bitSet(uint64(a1)-al2.pools[0].DataStart))
	assert.True(t, al2.pools[0].bad[al.pools[0].DataStart+5])
}

func TestBadListOverflow(t *testing.T) {
	t.Parallel()
	dev, al, first := testAllocator(t, 400, 256)
	p := al.pools[0]
	for i := uint64(0); i < maxBadBlocks+4; i++ {
		p.MarkBad(p.DataStart + i)
	}
	free := al.TotalFree()
	assert.Nil(t, al.Flush())

	// The stored list truncates to the table area, but the bitmap
	// keeps every marked block unavailable across a reload.
	al2 := Allocator{}.Init(dev)
	assert.Nil(t, al2.Load(first))
	assert.Equal(t, len(al2.pools[0].bad), maxBadBlocks)
	assert.Equal(t, al2.TotalFree(), free)
}

func TestPoolCorruptLength(t *testing.T) {
	t.Parallel()
	dev, al, first := testAllocator(t, 200, 64)
	assert.Nil(t, al.Flush())

	// A trashed bitmap length field must fail fast as corruption,
	// not drive a giant load loop off the bogus geometry
	b, err := dev.ReadBlock(uint64(first))
	assert.Nil(t, err)
	binary.LittleEndian.PutUint32(b[8:12], 0xFFFFFFFF)
	assert.Nil(t, dev.WriteBlock(uint64(first), b))

	al2 := Allocator{}.Init(dev)
	err = al2.Load(first)
	pce, ok := err.(*PoolCorruptError)
	assert.True(t, ok)
	assert.Equal(t, pce.Pool, 0)
}

func TestPoolCorrupt(t *testing.T) {
	t.Parallel()
	dev, al, first := testAllocator(t, 200, 64)
	assert.Nil(t, al.Flush())

	// Flip a bitmap byte inside the stored table
	b, err := dev.ReadBlock(uint64(first))
	assert.Nil(t, err)
	b[20] ^= 0xFF
	assert.Nil(t, dev.WriteBlock(uint64(first), b))

	al2 := Allocator{}.Init(dev)
	err = al2.Load(first)
	pce, ok := err.(*PoolCorruptError)
	assert.True(t, ok)
	assert.Equal(t, pce.Pool, 0)
}
