/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 11:02:36 2019 mstenber
 * Last modified: Thu Mar 21 13:01:30 2019 mstenber
 * Edit time:     84 min
 *
 */

package cache

import (
	"fmt"
	"testing"

	"github.com/fingon/go-mxfs/layout"
	"github.com/stvp/assert"
)

type dummyStore struct {
	nodes map[layout.Address]string
	loads int
	saves int
}

func (self dummyStore) Init() *dummyStore {
	self.nodes = make(map[layout.Address]string)
	return &self
}

func (self *dummyStore) Load(id layout.Address) (interface{}, error) {
	self.loads++
	v, ok := self.nodes[id]
	if !ok {
		return nil, fmt.Errorf("no node %v", id)
	}
	return v, nil
}

func (self *dummyStore) Save(id layout.Address, value interface{}) error {
	self.saves++
	self.nodes[id] = value.(string)
	return nil
}

func TestCacheBasic(t *testing.T) {
	t.Parallel()
	st := dummyStore{}.Init()
	st.nodes[1] = "one"
	c := Cache{}.Init(st, 4)

	v, err := c.GetOrLoad(1)
	assert.Nil(t, err)
	assert.Equal(t, v.(string), "one")
	assert.Equal(t, st.loads, 1)

	// Second access is a hit
	_, err = c.GetOrLoad(1)
	assert.Nil(t, err)
	assert.Equal(t, st.loads, 1)
	hits, misses, _ := c.Stats()
	assert.Equal(t, hits, 1)
	assert.Equal(t, misses, 1)
}

func TestCachePLRUCanonical(t *testing.T) {
	t.Parallel()
	// The textbook case: 4-leaf cache, access L1 L2 L1 L3; the
	// next eviction must pick L2.
	st := dummyStore{}.Init()
	c := Cache{}.Init(st, 4)
	ids := []layout.Address{101, 102, 103, 104}
	for _, id := range ids {
		st.nodes[id] = fmt.Sprintf("n%d", id)
		_, err := c.GetOrLoad(id)
		assert.Nil(t, err)
	}
	l1, l2, l3 := ids[0], ids[1], ids[2]
	for _, id := range []layout.Address{l1, l2, l1, l3} {
		_, err := c.GetOrLoad(id)
		assert.Nil(t, err)
	}
	victimSlot := c.victim()
	assert.Equal(t, c.slots[victimSlot].id, l2)
}

func TestCachePLRUNeverMostRecent(t *testing.T) {
	t.Parallel()
	// Enumerate all access sequences up to 2 x depth over a full
	// 4-leaf cache: the victim is never the most recently touched
	// leaf, and replaying a sequence is deterministic.
	ids := []layout.Address{201, 202, 203, 204}
	depth := 2
	maxLen := 2 * 2 * depth // sequences of length <= 2*depth... and then some
	var sequences [][]int
	var gen func(prefix []int)
	gen = func(prefix []int) {
		if len(prefix) > 0 {
			cp := make([]int, len(prefix))
			copy(cp, prefix)
			sequences = append(sequences, cp)
		}
		if len(prefix) >= maxLen/2 {
			return
		}
		for i := range ids {
			gen(append(prefix, i))
		}
	}
	gen(nil)

	run := func(seq []int) layout.Address {
		st := dummyStore{}.Init()
		c := Cache{}.Init(st, 4)
		for _, id := range ids {
			st.nodes[id] = "x"
			_, err := c.GetOrLoad(id)
			assert.Nil(t, err)
		}
		for _, i := range seq {
			_, err := c.GetOrLoad(ids[i])
			assert.Nil(t, err)
		}
		return c.slots[c.victim()].id
	}

	for _, seq := range sequences {
		v := run(seq)
		last := ids[seq[len(seq)-1]]
		assert.True(t, v != last, "victim is most recent for", seq)
		assert.Equal(t, v, run(seq), "nondeterministic for", seq)
	}
}

func TestCacheEvictionWritesBack(t *testing.T) {
	t.Parallel()
	st := dummyStore{}.Init()
	c := Cache{}.Init(st, 2)
	assert.Nil(t, c.Put(1, "dirty one"))
	assert.Nil(t, c.Put(2, "dirty two"))
	st.nodes[3] = "three"
	// Loading a third node must evict and write back a dirty slot
	_, err := c.GetOrLoad(3)
	assert.Nil(t, err)
	assert.Equal(t, st.saves, 1)
	_, _, evictions := c.Stats()
	assert.Equal(t, evictions, 1)
}

func TestCacheCapacityBound(t *testing.T) {
	t.Parallel()
	st := dummyStore{}.Init()
	c := Cache{}.Init(st, 4)
	for i := 1; i <= 100; i++ {
		assert.Nil(t, c.Put(layout.Address(i), "v"))
	}
	used := 0
	for _, s := range c.slots {
		if s.used {
			used++
		}
	}
	assert.Equal(t, used, 4)
	// Everything evicted on the way out got saved
	assert.Equal(t, st.saves, 96)
}

func TestCacheFlushForget(t *testing.T) {
	t.Parallel()
	st := dummyStore{}.Init()
	c := Cache{}.Init(st, 4)
	assert.Nil(t, c.Put(1, "one"))
	assert.Nil(t, c.Put(2, "two"))
	c.Forget(2)
	assert.Nil(t, c.Flush())
	assert.Equal(t, st.saves, 1)
	assert.Equal(t, st.nodes[1], "one")
	_, ok := st.nodes[2]
	assert.False(t, ok)

	// Flush again: nothing dirty anymore
	assert.Nil(t, c.Flush())
	assert.Equal(t, st.saves, 1)
}

func TestEvictOne(t *testing.T) {
	t.Parallel()
	st := dummyStore{}.Init()
	c := Cache{}.Init(st, 2)
	assert.Nil(t, c.Put(1, "one"))
	assert.Nil(t, c.Put(2, "two"))
	assert.Nil(t, c.EvictOne())
	used := 0
	for _, s := range c.slots {
		if s.used {
			used++
		}
	}
	assert.Equal(t, used, 1)
	assert.Equal(t, st.saves, 1)
}
