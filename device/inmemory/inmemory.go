/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:31:09 2019 mstenber
 * Last modified: Wed Feb 13 08:55:21 2019 mstenber
 * Edit time:     22 min
 *
 */

package inmemory

import (
	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/util"
)

// InMemoryDevice keeps blocks in a map; unwritten blocks read as
// zeroes. It exists for tests and prototyping.
type InMemoryDevice struct {
	config device.Config

	// Concurrent readers can reach the device at the same time as a
	// cache eviction writing a node back; the map needs its own lock.
	lock   util.MutexLocked
	blocks map[uint64][]byte

	// Reads counts ReadBlock calls that hit the map (sparse-read
	// assertions in tests use this).
	Reads int
}

var _ device.Device = &InMemoryDevice{}

func NewInMemoryDevice(config device.Config) device.Device {
	config.SetDefaults()
	self := &InMemoryDevice{config: config}
	self.blocks = make(map[uint64][]byte)
	return self
}

func (self *InMemoryDevice) Close() {
}

func (self *InMemoryDevice) BlockSize() int {
	return self.config.BlockSize
}

func (self *InMemoryDevice) BlockCount() uint64 {
	return self.config.BlockCount
}

func (self *InMemoryDevice) ReadBlock(lba uint64) ([]byte, error) {
	if lba >= self.config.BlockCount {
		return nil, device.ErrOutOfRange
	}
	defer self.lock.Locked()()
	self.Reads++
	b, ok := self.blocks[lba]
	if !ok {
		return make([]byte, self.config.BlockSize), nil
	}
	mlog.Printf2("device/inmemory/inmemory", "mem.ReadBlock %v", lba)
	r := make([]byte, len(b))
	copy(r, b)
	return r, nil
}

func (self *InMemoryDevice) WriteBlock(lba uint64, data []byte) error {
	if lba >= self.config.BlockCount {
		return device.ErrOutOfRange
	}
	if len(data) != self.config.BlockSize {
		return device.ErrShortBlock
	}
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory/inmemory", "mem.WriteBlock %v (%d b)", lba, len(data))
	b := make([]byte, len(data))
	copy(b, data)
	self.blocks[lba] = b
	return nil
}

func (self *InMemoryDevice) Flush() error {
	return nil
}
