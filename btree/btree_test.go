/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 13:46:12 2019 mstenber
 * Last modified: Fri Mar 22 13:29:55 2019 mstenber
 * Edit time:     104 min
 *
 */

package btree

import (
	"fmt"
	"testing"

	"github.com/fingon/go-mxfs/cache"
	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/device/inmemory"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/pool"
	"github.com/stvp/assert"
)

func testTree(t *testing.T, cacheCapacity int) (*ExtentNodeStore, *Tree) {
	dev := inmemory.NewInMemoryDevice(device.Config{BlockCount: 2000})
	al := pool.Allocator{}.Init(dev)
	_, err := al.Format(1, 512)
	assert.Nil(t, err)
	st := ExtentNodeStore{Dev: dev, Alloc: al}.Init()
	root, err := NewRoot(st)
	assert.Nil(t, err)
	c := cache.Cache{}.Init(st, cacheCapacity)
	// Small fanout so a few hundred keys exercise splits and merges
	return st, Tree{}.Init(st, c, root, 8)
}

func key(i int) string {
	return fmt.Sprintf("key-%06d", i)
}

// checkSubtree runs the structural invariant check over every node
// under id and returns the number of live keys there.
func checkSubtree(t *testing.T, tr *Tree, id layout.Address) int {
	nd, err := tr.node(id)
	assert.Nil(t, err)
	tr.checkNode(nd)
	if nd.Leafy {
		return len(nd.Items)
	}
	// Copy the items; descending may evict nd from the cache
	items := make([]Item, len(nd.Items))
	copy(items, nd.Items)
	count := 0
	for _, it := range items {
		count += checkSubtree(t, tr, it.Child)
	}
	return count
}

func TestTreeBasic(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	assert.Nil(t, tr.Insert("a", []byte("1")))
	assert.Nil(t, tr.Insert("b", []byte("2")))

	v, err := tr.Lookup("a")
	assert.Nil(t, err)
	assert.Equal(t, string(v), "1")

	_, err = tr.Lookup("c")
	assert.Equal(t, err, ErrNotFound)

	assert.Equal(t, tr.Insert("a", []byte("x")), ErrDuplicateKey)

	assert.Nil(t, tr.Update("a", []byte("11")))
	v, err = tr.Lookup("a")
	assert.Nil(t, err)
	assert.Equal(t, string(v), "11")
	assert.Equal(t, tr.Update("c", nil), ErrNotFound)
}

func TestTreeRootStaysPut(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	root := tr.Root()
	n := 300
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	// Splits happened well past one node; the root address is the
	// volume's anchor and must not have moved.
	assert.Equal(t, tr.Root(), root)
	for i := 0; i < n; i++ {
		v, err := tr.Lookup(key(i))
		assert.Nil(t, err)
		assert.Equal(t, string(v), key(i))
	}
	// And back down to empty again
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Remove(key(i)))
	}
	assert.Equal(t, tr.Root(), root)
	_, err := tr.Lookup(key(0))
	assert.Equal(t, err, ErrNotFound)
}

func TestTreeOutOfOrderInsert(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	n := 200
	// Descending insert exercises the below-minimum routing path
	for i := n - 1; i >= 0; i-- {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	for i := 0; i < n; i++ {
		v, err := tr.Lookup(key(i))
		assert.Nil(t, err)
		assert.Equal(t, string(v), key(i))
	}
	assert.Equal(t, checkSubtree(t, tr, tr.Root()), n)
}

func TestTreeNextKey(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	n := 100
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	// Full ordered scan from before the first key
	k := ""
	count := 0
	for {
		nk, v, err := tr.NextKey(k)
		if err == ErrNotFound {
			break
		}
		assert.Nil(t, err)
		assert.Equal(t, nk, key(count))
		assert.Equal(t, string(v), nk)
		k = nk
		count++
	}
	assert.Equal(t, count, n)
}

func TestTreeFloor(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	for _, i := range []int{10, 20, 30} {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	// Exact hit
	k, _, err := tr.Floor(key(20))
	assert.Nil(t, err)
	assert.Equal(t, k, key(20))
	// Between keys: previous one
	k, _, err = tr.Floor(key(25))
	assert.Nil(t, err)
	assert.Equal(t, k, key(20))
	// Past the end: last key
	k, _, err = tr.Floor(key(99))
	assert.Nil(t, err)
	assert.Equal(t, k, key(30))
	// Before the start: nothing
	_, _, err = tr.Floor(key(5))
	assert.Equal(t, err, ErrNotFound)
}

func TestTreeRemoveRebalance(t *testing.T) {
	t.Parallel()
	_, tr := testTree(t, 64)
	n := 256
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	// Remove every other key, then verify survivors and scans
	for i := 0; i < n; i += 2 {
		assert.Nil(t, tr.Remove(key(i)))
	}
	for i := 0; i < n; i++ {
		v, err := tr.Lookup(key(i))
		if i%2 == 0 {
			assert.Equal(t, err, ErrNotFound)
		} else {
			assert.Nil(t, err)
			assert.Equal(t, string(v), key(i))
		}
	}
	assert.Equal(t, tr.Remove(key(0)), ErrNotFound)
	assert.Equal(t, checkSubtree(t, tr, tr.Root()), n/2)
}

func TestTreePersists(t *testing.T) {
	t.Parallel()
	st, tr := testTree(t, 64)
	n := 150
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	assert.Nil(t, tr.Flush())

	// A fresh tree over a cold cache must see everything
	c2 := cache.Cache{}.Init(st, 64)
	tr2 := Tree{}.Init(st, c2, tr.Root(), 8)
	for i := 0; i < n; i++ {
		v, err := tr2.Lookup(key(i))
		assert.Nil(t, err)
		assert.Equal(t, string(v), key(i))
	}
}

func TestTreeTinyCache(t *testing.T) {
	t.Parallel()
	// The cache is much smaller than the node population; evictions
	// and reloads happen constantly and must stay coherent.
	_, tr := testTree(t, 8)
	n := 200
	for i := 0; i < n; i++ {
		assert.Nil(t, tr.Insert(key(i), []byte(key(i))))
	}
	for i := 0; i < n; i++ {
		v, err := tr.Lookup(key(i))
		assert.Nil(t, err)
		assert.Equal(t, string(v), key(i))
	}
	_, _, evictions := tr.Stats()
	assert.True(t, evictions > 0)
}

func TestTreeLargeValues(t *testing.T) {
	t.Parallel()
	// Values big enough that nodes overflow one extent and chain
	_, tr := testTree(t, 16)
	big := make([]byte, 900)
	for i := range big {
		big[i] = byte(i)
	}
	for i := 0; i < 20; i++ {
		assert.Nil(t, tr.Insert(key(i), big))
	}
	assert.Nil(t, tr.Flush())
	for i := 0; i < 20; i++ {
		v, err := tr.Lookup(key(i))
		assert.Nil(t, err)
		assert.Equal(t, len(v), len(big))
		assert.Equal(t, v[123], big[123])
	}
}

func TestNodeStoreChaining(t *testing.T) {
	t.Parallel()
	st, _ := testTree(t, 8)
	nd := &NodeData{Leafy: true}
	id, err := st.CreateNode(nd)
	assert.Nil(t, err)

	// Grow the node well past one 512-byte extent: the chain must
	// extend while the node id stays stable.
	for i := 0; i < 40; i++ {
		nd.Items = append(nd.Items, Item{Key: key(i), Value: make([]byte, 50)})
	}
	assert.Nil(t, st.SaveNode(id, nd))
	got, err := st.LoadNode(id)
	assert.Nil(t, err)
	assert.Equal(t, len(got.Items), 40)

	// Shrink back down: the tail of the chain is freed
	free := st.Alloc.TotalFree()
	nd.Items = nd.Items[:1]
	assert.Nil(t, st.SaveNode(id, nd))
	assert.True(t, st.Alloc.TotalFree() > free)
	got, err = st.LoadNode(id)
	assert.Nil(t, err)
	assert.Equal(t, len(got.Items), 1)

	assert.Nil(t, st.FreeNode(id))
}

func TestNodeStoreCorruption(t *testing.T) {
	t.Parallel()
	dev := inmemory.NewInMemoryDevice(device.Config{BlockCount: 500})
	al := pool.Allocator{}.Init(dev)
	_, err := al.Format(1, 128)
	assert.Nil(t, err)
	st := ExtentNodeStore{Dev: dev, Alloc: al}.Init()
	id, err := st.CreateNode(&NodeData{Leafy: true,
		Items: []Item{{Key: "k", Value: []byte("v")}}})
	assert.Nil(t, err)

	b, err := dev.ReadBlock(uint64(id))
	assert.Nil(t, err)
	b[layout.MetaExtentHeaderSize] ^= 1
	assert.Nil(t, dev.WriteBlock(uint64(id), b))

	_, err = st.LoadNode(id)
	ce, ok := err.(*layout.CorruptionError)
	assert.True(t, ok)
	assert.Equal(t, ce.Addr, id)
}
