/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:10:44 2019 mstenber
 * Last modified: Fri Mar 15 09:15:33 2019 mstenber
 * Edit time:     26 min
 *
 */

package bolt

import (
	"encoding/binary"
	"log"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/mlog"
)

var blocksKey = []byte("blocks")

// boltDevice keeps blocks in a bbolt database, keyed by big-endian
// LBA. One durable file, transactional writes; handy for development
// without dedicating a partition.
type boltDevice struct {
	config device.Config
	db     *bbolt.DB
}

var _ device.Device = &boltDevice{}

func NewBoltDevice(config device.Config) (device.Device, error) {
	config.SetDefaults()
	db, err := bbolt.Open(config.Path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltDevice{config: config, db: db}, nil
}

func lbaKey(lba uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, lba)
	return k
}

func (self *boltDevice) Close() {
	self.db.Close()
}

func (self *boltDevice) BlockSize() int {
	return self.config.BlockSize
}

func (self *boltDevice) BlockCount() uint64 {
	return self.config.BlockCount
}

func (self *boltDevice) ReadBlock(lba uint64) (b []byte, err error) {
	if lba >= self.config.BlockCount {
		return nil, device.ErrOutOfRange
	}
	err = self.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blocksKey).Get(lbaKey(lba))
		b = make([]byte, self.config.BlockSize)
		copy(b, v)
		return nil
	})
	mlog.Printf2("device/bolt/bolt", "bd.ReadBlock %v", lba)
	return
}

func (self *boltDevice) WriteBlock(lba uint64, data []byte) error {
	if lba >= self.config.BlockCount {
		return device.ErrOutOfRange
	}
	if len(data) != self.config.BlockSize {
		return device.ErrShortBlock
	}
	mlog.Printf2("device/bolt/bolt", "bd.WriteBlock %v (%d b)", lba, len(data))
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksKey).Put(lbaKey(lba), data)
	})
}

func (self *boltDevice) Flush() error {
	if err := self.db.Sync(); err != nil {
		log.Panic("bbolt.Sync", err)
	}
	return nil
}
