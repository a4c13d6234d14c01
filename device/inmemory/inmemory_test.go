/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 12:20:14 2019 mstenber
 * Last modified: Tue Feb 12 12:48:09 2019 mstenber
 * Edit time:     14 min
 *
 */

package inmemory

import (
	"sync"
	"testing"

	"github.com/fingon/go-mxfs/device"
	"github.com/stvp/assert"
)

func TestInMemoryDevice(t *testing.T) {
	t.Parallel()
	dev := NewInMemoryDevice(device.Config{BlockCount: 16})
	b := make([]byte, dev.BlockSize())
	b[0] = 42
	assert.Nil(t, dev.WriteBlock(3, b))
	r, err := dev.ReadBlock(3)
	assert.Nil(t, err)
	assert.Equal(t, r[0], byte(42))

	// Unwritten blocks read as zeroes
	r, err = dev.ReadBlock(5)
	assert.Nil(t, err)
	assert.Equal(t, r[0], byte(0))

	_, err = dev.ReadBlock(16)
	assert.Equal(t, err, device.ErrOutOfRange)
}

func TestInMemoryConcurrent(t *testing.T) {
	t.Parallel()
	// Readers and writers hit the device at the same time, as they
	// do when cache evictions write back under concurrent lookups.
	// The race detector is the real assertion here.
	dev := NewInMemoryDevice(device.Config{BlockCount: 64})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			b := make([]byte, dev.BlockSize())
			for i := 0; i < 200; i++ {
				lba := uint64((g*37 + i) % 64)
				if i%3 == 0 {
					_ = dev.WriteBlock(lba, b)
				} else {
					_, _ = dev.ReadBlock(lba)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.True(t, dev.(*InMemoryDevice).Reads > 0)
}
