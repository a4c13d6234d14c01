/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 09:05:21 2019 mstenber
 * Last modified: Fri Mar 22 15:47:36 2019 mstenber
 * Edit time:     203 min
 *
 */

// fs is the volume facade: it glues the allocator, the CoW chunk
// manager, the metadata tree and the node cache into format / mount /
// file operation entry points. Callers arrive with resolved ids; path
// walking and permissions live above this layer.
//
// One volume-wide RWMutex serializes the facade (writer mode for
// anything that mutates, reader mode for lookups); the tree, cache
// and pool locks nest under it.
package fs

import (
	"fmt"

	"github.com/fingon/go-mxfs/btree"
	"github.com/fingon/go-mxfs/cache"
	"github.com/fingon/go-mxfs/codec"
	"github.com/fingon/go-mxfs/cow"
	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/pool"
	"github.com/fingon/go-mxfs/util"
)

// RootDirID is the resolved id of the volume root directory.
const RootDirID = 1

// Facade-level aliases for the tree's key-space errors.
var ErrExists = btree.ErrDuplicateKey
var ErrNotFound = btree.ErrNotFound

// Config carries format and mount tuning. The zero value works.
type Config struct {
	// PoolBlocks is the data-block count per extent pool (format
	// time only).
	PoolBlocks uint64

	// CacheCapacity is the node cache slab size in nodes.
	CacheCapacity int

	// MaxFanout is the tree's items-per-node bound.
	MaxFanout int

	// WasteThreshold tunes the allocator's grow-in-place policy.
	WasteThreshold uint64

	// Codec transforms chunk payloads of files with compression or
	// encryption flags. Defaults to plain lz4/snappy compression.
	Codec codec.Codec
}

const DefaultPoolBlocks = 4096
const DefaultCacheCapacity = 256

func (self *Config) setDefaults() {
	if self.PoolBlocks == 0 {
		self.PoolBlocks = DefaultPoolBlocks
	}
	if self.CacheCapacity == 0 {
		self.CacheCapacity = DefaultCacheCapacity
	}
	if self.Codec == nil {
		self.Codec = &codec.CompressingCodec{}
	}
}

// Volume is one mounted filesystem instance; explicit state created
// at mount and torn down at Close, nothing process-global.
type Volume struct {
	Dev   device.Device
	Alloc *pool.Allocator
	CoW   *cow.Manager
	Tree  *btree.Tree

	store *btree.ExtentNodeStore
	sb    *layout.Superblock

	lock util.RWMutexLocked
}

// Format initializes an empty volume on the device: pool tables, an
// empty metadata tree, the file id counter, and finally the
// superblock at LBA 0.
func Format(dev device.Device, cfg Config) error {
	cfg.setDefaults()
	al := pool.Allocator{WasteThreshold: cfg.WasteThreshold}.Init(dev)
	firstPool, err := al.Format(1, cfg.PoolBlocks)
	if err != nil {
		return err
	}
	st := btree.ExtentNodeStore{Dev: dev, Alloc: al}.Init()
	root, err := btree.NewRoot(st)
	if err != nil {
		return err
	}
	c := cache.Cache{}.Init(st, cfg.CacheCapacity)
	tr := btree.Tree{}.Init(st, c, root, cfg.MaxFanout)
	// Root directory gets id 1, the counter hands out the rest.
	if err = tr.Insert(counterKey, le64(RootDirID+1)); err != nil {
		return err
	}
	if err = tr.Flush(); err != nil {
		return err
	}
	if err = al.Flush(); err != nil {
		return err
	}
	sb := layout.NewSuperblock()
	sb.FirstPool = firstPool
	sb.RootDir = root
	if err = writeSuperblock(dev, sb); err != nil {
		return err
	}
	mlog.Printf2("fs/fs", "Format %v: %d pools, root %v", sb.GUID, al.Pools(), root)
	return dev.Flush()
}

// Mount validates the superblock and brings up the volume. A corrupt
// pool table is fatal only if it leaves the root tree unreachable;
// otherwise the volume comes up degraded with the pools that loaded.
func Mount(dev device.Device, cfg Config) (*Volume, error) {
	cfg.setDefaults()
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}
	al := pool.Allocator{WasteThreshold: cfg.WasteThreshold}.Init(dev)
	if err = al.Load(sb.FirstPool); err != nil {
		pe, ok := err.(*pool.PoolCorruptError)
		if !ok {
			return nil, err
		}
		if al.PoolOf(sb.RootDir) < 0 {
			return nil, fmt.Errorf("root tree unreachable: %v", pe)
		}
		mlog.Printf2("fs/fs", "Mount degraded: %v", pe)
	}
	st := btree.ExtentNodeStore{Dev: dev, Alloc: al}.Init()
	c := cache.Cache{}.Init(st, cfg.CacheCapacity)
	self := &Volume{
		Dev:   dev,
		Alloc: al,
		CoW:   cow.Manager{Dev: dev, Alloc: al, Codec: cfg.Codec}.Init(),
		Tree:  btree.Tree{}.Init(st, c, sb.RootDir, cfg.MaxFanout),
		store: st,
		sb:    sb,
	}
	mlog.Printf2("fs/fs", "Mount %v: %d pools", sb.GUID, al.Pools())
	return self, nil
}

func readSuperblock(dev device.Device) (*layout.Superblock, error) {
	b, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	var sb layout.Superblock
	if err = sb.Decode(b); err != nil {
		return nil, err
	}
	return &sb, nil
}

func writeSuperblock(dev device.Device, sb *layout.Superblock) error {
	b := make([]byte, dev.BlockSize())
	if err := sb.Encode(b); err != nil {
		return err
	}
	return dev.WriteBlock(0, b)
}

// Flush writes back dirty tree nodes, pool tables and the superblock.
func (self *Volume) Flush() error {
	defer self.lock.Locked()()
	return self.flush()
}

func (self *Volume) flush() error {
	if err := self.Tree.Flush(); err != nil {
		return err
	}
	if err := self.Alloc.Flush(); err != nil {
		return err
	}
	if err := writeSuperblock(self.Dev, self.sb); err != nil {
		return err
	}
	return self.Dev.Flush()
}

// Close flushes everything and closes the device.
func (self *Volume) Close() error {
	defer self.lock.Locked()()
	if err := self.flush(); err != nil {
		return err
	}
	mlog.Printf2("fs/fs", "v.Close %v", self.sb.GUID)
	self.Dev.Close()
	return nil
}

// GUID returns the volume identity from the superblock.
func (self *Volume) GUID() string {
	return self.sb.GUID.String()
}

// Stats reports cache counters and free space for the CLI and tests.
type Stats struct {
	CacheHits      int
	CacheMisses    int
	CacheEvictions int
	Pools          int
	FreeBlocks     uint64
}

func (self *Volume) Stats() Stats {
	defer self.lock.RLocked()()
	h, m, e := self.Tree.Stats()
	return Stats{
		CacheHits:      h,
		CacheMisses:    m,
		CacheEvictions: e,
		Pools:          self.Alloc.Pools(),
		FreeBlocks:     self.Alloc.TotalFree(),
	}
}
