/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:05:33 2019 mstenber
 * Last modified: Fri Mar 15 09:12:40 2019 mstenber
 * Edit time:     54 min
 *
 */

// device provides the block device boundary of the filesystem engine.
// A Device stores fixed-size blocks addressed by LBA; the engine never
// performs I/O through anything else. Real deployments sit on a raw
// partition (file backend on a device node); the bolt/badger/inmemory
// backends exist for development and tests.
package device

import "errors"

// ErrOutOfRange is returned for LBAs outside the device.
var ErrOutOfRange = errors.New("block address out of range")

// ErrShortBlock is returned when a write is not exactly one block.
var ErrShortBlock = errors.New("data is not exactly one block")

type Device interface {
	// Close the device. Implementations flush first.
	Close()

	// BlockSize is the fixed size of every block in bytes.
	BlockSize() int

	// BlockCount is the number of addressable blocks.
	BlockCount() uint64

	// ReadBlock returns the content of one block. Unwritten blocks
	// read as zero-filled.
	ReadBlock(lba uint64) ([]byte, error)

	// WriteBlock replaces the content of one block; data MUST be
	// exactly BlockSize bytes.
	WriteBlock(lba uint64, data []byte) error

	// Flush forces written blocks to stable storage.
	Flush() error
}

// Config carries what backends need to open a device; not every
// backend uses every field.
type Config struct {
	// Path of the backing file or directory.
	Path string

	// BlockSize in bytes; 0 means DefaultBlockSize.
	BlockSize int

	// BlockCount is the device size in blocks.
	BlockCount uint64
}

const DefaultBlockSize = 512

func (self *Config) SetDefaults() {
	if self.BlockSize == 0 {
		self.BlockSize = DefaultBlockSize
	}
}
