/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 12:02:50 2019 mstenber
 * Last modified: Fri Mar 15 09:14:02 2019 mstenber
 * Edit time:     31 min
 *
 */

package file

import (
	"io"
	"os"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/mlog"
)

// fileDevice stores blocks in one flat file (or raw device node) at
// lba * blocksize offsets. This is the production backend.
type fileDevice struct {
	config device.Config
	f      *os.File
}

var _ device.Device = &fileDevice{}

func NewFileDevice(config device.Config) (device.Device, error) {
	config.SetDefaults()
	f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if config.BlockCount == 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		config.BlockCount = uint64(fi.Size()) / uint64(config.BlockSize)
	}
	return &fileDevice{config: config, f: f}, nil
}

func (self *fileDevice) Close() {
	self.f.Sync()
	self.f.Close()
}

func (self *fileDevice) BlockSize() int {
	return self.config.BlockSize
}

func (self *fileDevice) BlockCount() uint64 {
	return self.config.BlockCount
}

func (self *fileDevice) ReadBlock(lba uint64) ([]byte, error) {
	if lba >= self.config.BlockCount {
		return nil, device.ErrOutOfRange
	}
	b := make([]byte, self.config.BlockSize)
	_, err := self.f.ReadAt(b, int64(lba)*int64(self.config.BlockSize))
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		// Only a short read at the current file end is a valid
		// read of a never-written block; anything else is a real
		// I/O failure and must not read as zero-fill.
		return nil, err
	}
	mlog.Printf2("device/file/file", "fd.ReadBlock %v", lba)
	return b, nil
}

func (self *fileDevice) WriteBlock(lba uint64, data []byte) error {
	if lba >= self.config.BlockCount {
		return device.ErrOutOfRange
	}
	if len(data) != self.config.BlockSize {
		return device.ErrShortBlock
	}
	mlog.Printf2("device/file/file", "fd.WriteBlock %v (%d b)", lba, len(data))
	_, err := self.f.WriteAt(data, int64(lba)*int64(self.config.BlockSize))
	return err
}

func (self *fileDevice) Flush() error {
	return self.f.Sync()
}
