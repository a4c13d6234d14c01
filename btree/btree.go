/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 11:28:51 2019 mstenber
 * Last modified: Fri Mar 22 12:40:08 2019 mstenber
 * Edit time:     241 min
 *
 */

// btree is the metadata tree of a volume: one mutable B+ tree holding
// every directory entry, file record and data table row, keyed by
// byte string. Internal items carry the minimum key of their child's
// subtree as separator; separators may go stale high-side after
// removals, which only widens routing, never misroutes.
//
// Nodes live in metadata extent chains (store.go) and are accessed
// through the bounded node cache. One tree-wide RWMutex serializes
// structural changes; the cache and allocator have their own finer
// locks below it.
package btree

import (
	"errors"
	"log"

	"github.com/fingon/go-mxfs/cache"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/util"
)

var ErrDuplicateKey = errors.New("key already present")
var ErrNotFound = errors.New("key not found")

// DefaultMaxFanout is items per node before a split. Half of it is
// the underflow bound.
const DefaultMaxFanout = 32

type Tree struct {
	store     NodeStore
	cache     *cache.Cache
	root      layout.Address
	maxFanout int

	lock util.RWMutexLocked
}

// Init attaches the tree to its root node. The root address is what
// the superblock (or a directory's file record) points at; it stays
// stable for the tree's whole life, splits happen underneath it.
func (self Tree) Init(store NodeStore, c *cache.Cache, root layout.Address, maxFanout int) *Tree {
	if maxFanout == 0 {
		maxFanout = DefaultMaxFanout
	}
	self.store = store
	self.cache = c
	self.root = root
	self.maxFanout = maxFanout
	return &self
}

// NewRoot creates an empty tree's root node in the store and returns
// its address; used at format time.
func NewRoot(store NodeStore) (layout.Address, error) {
	return store.CreateNode(&NodeData{Leafy: true})
}

func (self *Tree) Root() layout.Address {
	return self.root
}

func (self *Tree) minFanout() int {
	return self.maxFanout / 2
}

func (self *Tree) node(id layout.Address) (*NodeData, error) {
	v, err := self.cache.GetOrLoad(id)
	if err != nil {
		return nil, err
	}
	return v.(*NodeData), nil
}

// mutate applies fn to a node and marks it dirty. Node pointers are
// never held across cache calls; any re-entry goes through here
// again.
func (self *Tree) mutate(id layout.Address, fn func(nd *NodeData)) error {
	nd, err := self.node(id)
	if err != nil {
		return err
	}
	fn(nd)
	self.cache.MarkDirty(id)
	return nil
}

// search returns the first index with Items[i].Key >= key.
func search(nd *NodeData, key string) int {
	lo, hi := 0, len(nd.Items)
	for lo < hi {
		mid := (lo + hi) / 2
		if nd.Items[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// childIndex returns the last index with Items[i].Key <= key, or -1.
func childIndex(nd *NodeData, key string) int {
	i := search(nd, key)
	if i < len(nd.Items) && nd.Items[i].Key == key {
		return i
	}
	return i - 1
}

// Lookup returns the value stored at key.
func (self *Tree) Lookup(key string) ([]byte, error) {
	defer self.lock.RLocked()()
	id := self.root
	for {
		nd, err := self.node(id)
		if err != nil {
			return nil, err
		}
		if nd.Leafy {
			i := search(nd, key)
			if i < len(nd.Items) && nd.Items[i].Key == key {
				return nd.Items[i].Value, nil
			}
			return nil, ErrNotFound
		}
		ci := childIndex(nd, key)
		if ci < 0 {
			return nil, ErrNotFound
		}
		id = nd.Items[ci].Child
	}
}

type split struct {
	key   string
	child layout.Address
}

// Insert stores value at a key not yet present.
func (self *Tree) Insert(key string, value []byte) error {
	defer self.lock.Locked()()
	mlog.Printf2("btree/btree", "t.Insert %x (%d b)", key, len(value))
	if _, err := self.insert(self.root, key, value); err != nil {
		return err
	}
	return self.maybeSplitRoot()
}

func (self *Tree) insert(id layout.Address, key string, value []byte) (*split, error) {
	nd, err := self.node(id)
	if err != nil {
		return nil, err
	}
	if nd.Leafy {
		i := search(nd, key)
		if i < len(nd.Items) && nd.Items[i].Key == key {
			return nil, ErrDuplicateKey
		}
		err = self.mutate(id, func(nd *NodeData) {
			nd.Items = append(nd.Items, Item{})
			copy(nd.Items[i+1:], nd.Items[i:])
			nd.Items[i] = Item{Key: key, Value: value}
		})
		if err != nil {
			return nil, err
		}
		return self.maybeSplit(id)
	}
	ci := childIndex(nd, key)
	if ci < 0 {
		// Key below the subtree minimum: route to the first child
		// and keep the separator an exact minimum.
		ci = 0
		err = self.mutate(id, func(nd *NodeData) {
			nd.Items[0].Key = key
		})
		if err != nil {
			return nil, err
		}
	}
	child := nd.Items[ci].Child
	sp, err := self.insert(child, key, value)
	if err != nil {
		return nil, err
	}
	if sp != nil {
		err = self.mutate(id, func(nd *NodeData) {
			nd.Items = append(nd.Items, Item{})
			copy(nd.Items[ci+2:], nd.Items[ci+1:])
			nd.Items[ci+1] = Item{Key: sp.key, Child: sp.child}
		})
		if err != nil {
			return nil, err
		}
	}
	return self.maybeSplit(id)
}

// maybeSplit halves an overfull non-root node: the right half moves
// to a fresh node, the returned split item goes into the parent.
func (self *Tree) maybeSplit(id layout.Address) (*split, error) {
	nd, err := self.node(id)
	if err != nil {
		return nil, err
	}
	if len(nd.Items) <= self.maxFanout || id == self.root {
		return nil, nil
	}
	h := len(nd.Items) / 2
	right := &NodeData{Leafy: nd.Leafy, Items: make([]Item, len(nd.Items)-h)}
	copy(right.Items, nd.Items[h:])
	rid, err := self.store.CreateNode(right)
	if err != nil {
		return nil, err
	}
	if err = self.cache.Put(rid, right); err != nil {
		return nil, err
	}
	err = self.mutate(id, func(nd *NodeData) {
		nd.Items = nd.Items[:h]
	})
	if err != nil {
		return nil, err
	}
	mlog.Printf2("btree/btree", "t.split %v -> %v at %x", id, rid, right.Items[0].Key)
	return &split{key: right.Items[0].Key, child: rid}, nil
}

// maybeSplitRoot handles an overfull root without moving it: both
// halves go to fresh children and the root keeps its address, one
// level taller.
func (self *Tree) maybeSplitRoot() error {
	nd, err := self.node(self.root)
	if err != nil {
		return err
	}
	if len(nd.Items) <= self.maxFanout {
		return nil
	}
	h := len(nd.Items) / 2
	left := &NodeData{Leafy: nd.Leafy, Items: make([]Item, h)}
	copy(left.Items, nd.Items[:h])
	right := &NodeData{Leafy: nd.Leafy, Items: make([]Item, len(nd.Items)-h)}
	copy(right.Items, nd.Items[h:])
	lid, err := self.store.CreateNode(left)
	if err != nil {
		return err
	}
	rid, err := self.store.CreateNode(right)
	if err != nil {
		return err
	}
	if err = self.cache.Put(lid, left); err != nil {
		return err
	}
	if err = self.cache.Put(rid, right); err != nil {
		return err
	}
	mlog.Printf2("btree/btree", "t.splitRoot %v -> %v + %v", self.root, lid, rid)
	return self.mutate(self.root, func(nd *NodeData) {
		nd.Leafy = false
		nd.Items = []Item{
			{Key: left.Items[0].Key, Child: lid},
			{Key: right.Items[0].Key, Child: rid},
		}
	})
}

// Update replaces the value at an existing key.
func (self *Tree) Update(key string, value []byte) error {
	defer self.lock.Locked()()
	id := self.root
	for {
		nd, err := self.node(id)
		if err != nil {
			return err
		}
		if nd.Leafy {
			i := search(nd, key)
			if i >= len(nd.Items) || nd.Items[i].Key != key {
				return ErrNotFound
			}
			return self.mutate(id, func(nd *NodeData) {
				nd.Items[i].Value = value
			})
		}
		ci := childIndex(nd, key)
		if ci < 0 {
			return ErrNotFound
		}
		id = nd.Items[ci].Child
	}
}

// Remove deletes key, rebalancing underfull nodes on the way out.
func (self *Tree) Remove(key string) error {
	defer self.lock.Locked()()
	mlog.Printf2("btree/btree", "t.Remove %x", key)
	if err := self.remove(self.root, key); err != nil {
		return err
	}
	return self.maybeCollapseRoot()
}

func (self *Tree) remove(id layout.Address, key string) error {
	nd, err := self.node(id)
	if err != nil {
		return err
	}
	if nd.Leafy {
		i := search(nd, key)
		if i >= len(nd.Items) || nd.Items[i].Key != key {
			return ErrNotFound
		}
		return self.mutate(id, func(nd *NodeData) {
			nd.Items = append(nd.Items[:i], nd.Items[i+1:]...)
		})
	}
	ci := childIndex(nd, key)
	if ci < 0 {
		return ErrNotFound
	}
	if err = self.remove(nd.Items[ci].Child, key); err != nil {
		return err
	}
	cnd, err := self.node(nd.Items[ci].Child)
	if err != nil {
		return err
	}
	if len(cnd.Items) < self.minFanout() {
		return self.rebalance(id, ci)
	}
	return nil
}

// rebalance fixes the underfull ci'th child of parent: borrow from an
// adjacent sibling with items to spare, otherwise merge with one.
func (self *Tree) rebalance(parent layout.Address, ci int) error {
	pnd, err := self.node(parent)
	if err != nil {
		return err
	}
	if len(pnd.Items) < 2 {
		// Only child; the root collapse handles this shape.
		return nil
	}
	cid := pnd.Items[ci].Child

	if ci > 0 {
		lid := pnd.Items[ci-1].Child
		lnd, err := self.node(lid)
		if err != nil {
			return err
		}
		if len(lnd.Items) > self.minFanout() {
			return self.borrowFromLeft(parent, ci, lid, cid)
		}
		return self.merge(parent, ci-1, lid, cid)
	}
	rid := pnd.Items[ci+1].Child
	rnd, err := self.node(rid)
	if err != nil {
		return err
	}
	if len(rnd.Items) > self.minFanout() {
		return self.borrowFromRight(parent, ci, cid, rid)
	}
	return self.merge(parent, ci, cid, rid)
}

func (self *Tree) borrowFromLeft(parent layout.Address, ci int, lid, cid layout.Address) error {
	var moved Item
	err := self.mutate(lid, func(nd *NodeData) {
		moved = nd.Items[len(nd.Items)-1]
		nd.Items = nd.Items[:len(nd.Items)-1]
	})
	if err != nil {
		return err
	}
	err = self.mutate(cid, func(nd *NodeData) {
		nd.Items = append([]Item{moved}, nd.Items...)
	})
	if err != nil {
		return err
	}
	return self.mutate(parent, func(nd *NodeData) {
		nd.Items[ci].Key = moved.Key
	})
}

func (self *Tree) borrowFromRight(parent layout.Address, ci int, cid, rid layout.Address) error {
	var moved, next Item
	err := self.mutate(rid, func(nd *NodeData) {
		moved = nd.Items[0]
		nd.Items = nd.Items[1:]
		next = nd.Items[0]
	})
	if err != nil {
		return err
	}
	err = self.mutate(cid, func(nd *NodeData) {
		nd.Items = append(nd.Items, moved)
	})
	if err != nil {
		return err
	}
	return self.mutate(parent, func(nd *NodeData) {
		nd.Items[ci+1].Key = next.Key
	})
}

// merge folds the li+1'th child of parent into the li'th and frees
// the emptied node.
func (self *Tree) merge(parent layout.Address, li int, lid, rid layout.Address) error {
	rnd, err := self.node(rid)
	if err != nil {
		return err
	}
	items := make([]Item, len(rnd.Items))
	copy(items, rnd.Items)
	err = self.mutate(lid, func(nd *NodeData) {
		nd.Items = append(nd.Items, items...)
	})
	if err != nil {
		return err
	}
	err = self.mutate(parent, func(nd *NodeData) {
		nd.Items = append(nd.Items[:li+1], nd.Items[li+2:]...)
	})
	if err != nil {
		return err
	}
	self.cache.Forget(rid)
	mlog.Printf2("btree/btree", "t.merge %v <- %v", lid, rid)
	return self.store.FreeNode(rid)
}

// maybeCollapseRoot pulls a lone child's content up into the root so
// the root address stays valid as the tree shrinks.
func (self *Tree) maybeCollapseRoot() error {
	nd, err := self.node(self.root)
	if err != nil {
		return err
	}
	if nd.Leafy || len(nd.Items) != 1 {
		return nil
	}
	cid := nd.Items[0].Child
	cnd, err := self.node(cid)
	if err != nil {
		return err
	}
	items := make([]Item, len(cnd.Items))
	copy(items, cnd.Items)
	leafy := cnd.Leafy
	err = self.mutate(self.root, func(nd *NodeData) {
		nd.Leafy = leafy
		nd.Items = items
	})
	if err != nil {
		return err
	}
	self.cache.Forget(cid)
	mlog.Printf2("btree/btree", "t.collapseRoot <- %v", cid)
	return self.store.FreeNode(cid)
}

// NextKey returns the smallest key strictly greater than key, with
// its value; ErrNotFound past the last key. This is the range scan
// primitive (directory listing, data table walks).
func (self *Tree) NextKey(key string) (string, []byte, error) {
	defer self.lock.RLocked()()
	it, err := self.next(self.root, key)
	if err != nil {
		return "", nil, err
	}
	if it == nil {
		return "", nil, ErrNotFound
	}
	return it.Key, it.Value, nil
}

func (self *Tree) next(id layout.Address, key string) (*Item, error) {
	nd, err := self.node(id)
	if err != nil {
		return nil, err
	}
	if nd.Leafy {
		for i := range nd.Items {
			if nd.Items[i].Key > key {
				return &nd.Items[i], nil
			}
		}
		return nil, nil
	}
	ci := childIndex(nd, key)
	if ci < 0 {
		ci = 0
	}
	for ; ci < len(nd.Items); ci++ {
		it, err := self.next(nd.Items[ci].Child, key)
		if err != nil || it != nil {
			return it, err
		}
	}
	return nil, nil
}

// Floor returns the largest key <= key, with its value; this is how
// a file offset finds the data table row covering it.
func (self *Tree) Floor(key string) (string, []byte, error) {
	defer self.lock.RLocked()()
	it, err := self.floor(self.root, key)
	if err != nil {
		return "", nil, err
	}
	if it == nil {
		return "", nil, ErrNotFound
	}
	return it.Key, it.Value, nil
}

func (self *Tree) floor(id layout.Address, key string) (*Item, error) {
	nd, err := self.node(id)
	if err != nil {
		return nil, err
	}
	if nd.Leafy {
		for i := len(nd.Items) - 1; i >= 0; i-- {
			if nd.Items[i].Key <= key {
				return &nd.Items[i], nil
			}
		}
		return nil, nil
	}
	for ci := childIndex(nd, key); ci >= 0; ci-- {
		it, err := self.floor(nd.Items[ci].Child, key)
		if err != nil || it != nil {
			return it, err
		}
	}
	return nil, nil
}

// Flush writes every dirty cached node back to the store.
func (self *Tree) Flush() error {
	defer self.lock.Locked()()
	return self.cache.Flush()
}

// Stats exposes the node cache counters.
func (self *Tree) Stats() (hits, misses, evictions int) {
	return self.cache.Stats()
}

// checkNode panics on structurally impossible nodes. The tests sweep
// it across every node after mutation-heavy runs; normal operation
// never pays for it.
func (self *Tree) checkNode(nd *NodeData) {
	for i := 1; i < len(nd.Items); i++ {
		if nd.Items[i-1].Key >= nd.Items[i].Key {
			log.Panicf("key order violation at %d", i)
		}
	}
}
