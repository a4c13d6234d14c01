/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:42:18 2019 mstenber
 * Last modified: Fri Mar 15 09:16:11 2019 mstenber
 * Edit time:     24 min
 *
 */

package badger

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/mlog"
)

// badgerDevice keeps blocks in a badger database keyed by big-endian
// LBA. Development backend; the LSM write path makes it the faster of
// the two database-backed devices for bulk loads.
type badgerDevice struct {
	config device.Config
	db     *badger.DB
}

var _ device.Device = &badgerDevice{}

func NewBadgerDevice(config device.Config) (device.Device, error) {
	config.SetDefaults()
	opts := badger.DefaultOptions
	opts.Dir = config.Path
	opts.ValueDir = config.Path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerDevice{config: config, db: db}, nil
}

func lbaKey(lba uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, lba)
	return k
}

func (self *badgerDevice) Close() {
	self.db.Close()
}

func (self *badgerDevice) BlockSize() int {
	return self.config.BlockSize
}

func (self *badgerDevice) BlockCount() uint64 {
	return self.config.BlockCount
}

func (self *badgerDevice) ReadBlock(lba uint64) (b []byte, err error) {
	if lba >= self.config.BlockCount {
		return nil, device.ErrOutOfRange
	}
	b = make([]byte, self.config.BlockSize)
	err = self.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(lbaKey(lba))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := i.ValueCopy(nil)
		if err != nil {
			return err
		}
		copy(b, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	mlog.Printf2("device/badger/badger", "bad.ReadBlock %v", lba)
	return
}

func (self *badgerDevice) WriteBlock(lba uint64, data []byte) error {
	if lba >= self.config.BlockCount {
		return device.ErrOutOfRange
	}
	if len(data) != self.config.BlockSize {
		return device.ErrShortBlock
	}
	mlog.Printf2("device/badger/badger", "bad.WriteBlock %v (%d b)", lba, len(data))
	d := make([]byte, len(data))
	copy(d, data)
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lbaKey(lba), d)
	})
}

func (self *badgerDevice) Flush() error {
	return nil
}
