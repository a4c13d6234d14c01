/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 09:15:08 2019 mstenber
 * Last modified: Thu Mar 21 12:20:44 2019 mstenber
 * Edit time:     158 min
 *
 */

// cache is the bounded node cache of the metadata tree: a slab of
// fixed capacity preallocated at mount, evicted with tree-structured
// pseudo-LRU. Slots occupy the leaves of a binary bit tree; each
// internal fork carries one "go this way for the victim" bit. Access
// points every fork on the path away from the touched leaf; eviction
// walks the bits from the root. O(log N) both ways.
//
// The per-fork bits live under the cache's own mutex rather than
// per-bit atomics; the tradeoff is documented in DESIGN.md.
package cache

import (
	"errors"

	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/util"
)

var ErrCacheFull = errors.New("cache full of unevictable slots")

// Store is what the cache sits on: loading cold nodes and writing
// dirty ones back.
type Store interface {
	Load(id layout.Address) (interface{}, error)
	Save(id layout.Address, value interface{}) error
}

type slot struct {
	id    layout.Address
	value interface{}
	used  bool
	dirty bool
}

type Cache struct {
	store    Store
	capacity int

	// slots is the slab; a node occupies exactly one slot for its
	// cached lifetime. No allocation after Init.
	slots []slot

	// bits[1..capacity-1] are the fork bits, heap-indexed; leaf i
	// of the bit tree is node capacity+i.
	bits []bool

	index map[layout.Address]int
	free  []int

	lock util.MutexLocked

	hits, misses, evictions int
}

// Init preallocates the slab. Capacity is rounded up to a power of
// two so the bit tree is complete.
func (self Cache) Init(store Store, capacity int) *Cache {
	n := 1
	for n < capacity {
		n *= 2
	}
	self.store = store
	self.capacity = n
	self.slots = make([]slot, n)
	self.bits = make([]bool, n)
	self.index = make(map[layout.Address]int, n)
	self.free = make([]int, n)
	for i := 0; i < n; i++ {
		self.free[i] = n - 1 - i
	}
	return &self
}

func (self *Cache) Capacity() int {
	return self.capacity
}

// touch realigns every fork on the path to point away from the leaf.
func (self *Cache) touch(leaf int) {
	node := self.capacity + leaf
	for node > 1 {
		parent := node / 2
		self.bits[parent] = node%2 == 0 // accessed left: victim right
		node = parent
	}
}

// victim walks the fork bits from the root to the pseudo-LRU leaf.
func (self *Cache) victim() int {
	node := 1
	for node < self.capacity {
		node = 2 * node
		if self.bits[node/2] {
			node++
		}
	}
	return node - self.capacity
}

// GetOrLoad returns the cached node, pulling it from the store (and
// evicting if the slab is full) on miss.
func (self *Cache) GetOrLoad(id layout.Address) (interface{}, error) {
	defer self.lock.Locked()()
	if i, ok := self.index[id]; ok {
		self.hits++
		self.touch(i)
		return self.slots[i].value, nil
	}
	self.misses++
	value, err := self.store.Load(id)
	if err != nil {
		return nil, err
	}
	i, err := self.takeSlot()
	if err != nil {
		return nil, err
	}
	self.install(i, id, value, false)
	return value, nil
}

// Put inserts a fresh (just created) node, marked dirty.
func (self *Cache) Put(id layout.Address, value interface{}) error {
	defer self.lock.Locked()()
	if i, ok := self.index[id]; ok {
		self.slots[i].value = value
		self.slots[i].dirty = true
		self.touch(i)
		return nil
	}
	i, err := self.takeSlot()
	if err != nil {
		return err
	}
	self.install(i, id, value, true)
	return nil
}

func (self *Cache) install(i int, id layout.Address, value interface{}, dirty bool) {
	self.slots[i] = slot{id: id, value: value, used: true, dirty: dirty}
	self.index[id] = i
	self.touch(i)
}

// takeSlot hands out a free slot, or evicts the PLRU victim.
func (self *Cache) takeSlot() (int, error) {
	if n := len(self.free); n > 0 {
		i := self.free[n-1]
		self.free = self.free[:n-1]
		return i, nil
	}
	i := self.victim()
	s := &self.slots[i]
	if !s.used {
		return i, nil
	}
	if s.dirty {
		if err := self.store.Save(s.id, s.value); err != nil {
			return 0, err
		}
	}
	self.evictions++
	mlog.Printf2("cache/cache", "c.evict slot %d (node %v)", i, s.id)
	delete(self.index, s.id)
	s.used = false
	s.value = nil
	return i, nil
}

// EvictOne frees the pseudo-LRU slot, flushing it if dirty.
func (self *Cache) EvictOne() error {
	defer self.lock.Locked()()
	i := self.victim()
	s := &self.slots[i]
	if !s.used {
		return nil
	}
	if s.dirty {
		if err := self.store.Save(s.id, s.value); err != nil {
			return err
		}
	}
	self.evictions++
	delete(self.index, s.id)
	s.used = false
	s.value = nil
	self.free = append(self.free, i)
	return nil
}

// MarkDirty flags a cached node for writeback. The node MUST be
// cached (mutators hold their node handles).
func (self *Cache) MarkDirty(id layout.Address) {
	defer self.lock.Locked()()
	i, ok := self.index[id]
	if !ok {
		panic("MarkDirty of uncached node")
	}
	self.slots[i].dirty = true
	self.touch(i)
}

// Forget drops a node (freed on disk) without writeback.
func (self *Cache) Forget(id layout.Address) {
	defer self.lock.Locked()()
	i, ok := self.index[id]
	if !ok {
		return
	}
	delete(self.index, id)
	self.slots[i] = slot{}
	self.free = append(self.free, i)
}

// Flush writes back every dirty slot; called at unmount and on
// explicit sync.
func (self *Cache) Flush() error {
	defer self.lock.Locked()()
	for i := range self.slots {
		s := &self.slots[i]
		if s.used && s.dirty {
			if err := self.store.Save(s.id, s.value); err != nil {
				return err
			}
			s.dirty = false
		}
	}
	return nil
}

// Stats returns hit/miss/eviction counters.
func (self *Cache) Stats() (hits, misses, evictions int) {
	defer self.lock.Locked()()
	return self.hits, self.misses, self.evictions
}
