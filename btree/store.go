/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 10:01:33 2019 mstenber
 * Last modified: Fri Mar 22 10:12:40 2019 mstenber
 * Edit time:     118 min
 *
 */

package btree

import (
	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/pool"
)

// NodeStore persists tree nodes. A node id is the address of its
// first metadata extent.
type NodeStore interface {
	LoadNode(id layout.Address) (*NodeData, error)
	SaveNode(id layout.Address, nd *NodeData) error
	CreateNode(nd *NodeData) (layout.Address, error)
	FreeNode(id layout.Address) error
}

// ExtentNodeStore keeps each node in a chain of metadata extents:
// every extent starts with a MetaExtentHeader whose CONT field points
// at the next extent, NilAddress last. Metadata is always CRC checked
// (the per-file opt-out is for file content, not for the tree that
// finds it) and always allocated low-fragmentation.
type ExtentNodeStore struct {
	Dev   device.Device
	Alloc *pool.Allocator

	// PoolHint is where node extents prefer to land; the tree is
	// hot everywhere, so the superblock pool is as good as any.
	PoolHint int
}

func (self ExtentNodeStore) Init() *ExtentNodeStore {
	return &self
}

// metaSlack is what an extent allocation must add on top of payload:
// the allocator budgets for a chunk header, the metadata header is
// this much larger.
const metaSlack = layout.MetaExtentHeaderSize - layout.ChunkHeaderSize

func (self *ExtentNodeStore) blockSize() int {
	return self.Dev.BlockSize()
}

func (self *ExtentNodeStore) readExtent(addr layout.Address) (*layout.MetaExtentHeader, []byte, error) {
	bs := self.blockSize()
	first, err := self.Dev.ReadBlock(uint64(addr))
	if err != nil {
		return nil, nil, err
	}
	var hdr layout.MetaExtentHeader
	if err = hdr.Decode(first); err != nil {
		return nil, nil, err
	}
	blocks := uint64(1) << hdr.BlockExp
	buf := first
	if blocks > 1 {
		buf = make([]byte, blocks*uint64(bs))
		copy(buf, first)
		for i := uint64(1); i < blocks; i++ {
			b, err := self.Dev.ReadBlock(uint64(addr) + i)
			if err != nil {
				return nil, nil, err
			}
			copy(buf[i*uint64(bs):], b)
		}
	}
	payload := buf[layout.MetaExtentHeaderSize:]
	if !layout.Verify(payload, hdr.CRC) {
		return nil, nil, &layout.CorruptionError{
			Addr: addr, Want: hdr.CRC, Got: layout.Seal(payload)}
	}
	return &hdr, payload, nil
}

func (self *ExtentNodeStore) writeExtent(addr layout.Address, hdr *layout.MetaExtentHeader, payload []byte) error {
	bs := self.blockSize()
	buf := make([]byte, layout.ChunkSize(hdr.BlockExp, bs))
	copy(buf[layout.MetaExtentHeaderSize:], payload)
	hdr.CRC = layout.Seal(buf[layout.MetaExtentHeaderSize:])
	if err := hdr.Encode(buf); err != nil {
		return err
	}
	for i := 0; i < len(buf)/bs; i++ {
		err := self.Dev.WriteBlock(uint64(addr)+uint64(i), buf[i*bs:(i+1)*bs])
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *ExtentNodeStore) allocExtent(payloadLen int) (layout.Address, uint8, error) {
	addr, exp, _, err := self.Alloc.Allocate(self.PoolHint, uint64(payloadLen+metaSlack))
	if err != nil {
		return layout.NilAddress, 0, err
	}
	return addr, exp, nil
}

// LoadNode reads and decodes the extent chain at id.
func (self *ExtentNodeStore) LoadNode(id layout.Address) (*NodeData, error) {
	var encoded []byte
	addr := id
	for addr != layout.NilAddress {
		hdr, payload, err := self.readExtent(addr)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, payload...)
		addr = hdr.Cont
	}
	nd := &NodeData{}
	if err := nd.Decode(encoded); err != nil {
		return nil, err
	}
	mlog.Printf2("btree/store", "ens.LoadNode %v: %d items", id, len(nd.Items))
	return nd, nil
}

// SaveNode writes the node back over its existing chain, extending it
// with fresh extents if the encoding outgrew it and freeing the tail
// if it shrank. The first extent's address (the node id) never moves.
func (self *ExtentNodeStore) SaveNode(id layout.Address, nd *NodeData) error {
	encoded := nd.Encode()
	addr := id
	for {
		first, err := self.Dev.ReadBlock(uint64(addr))
		if err != nil {
			return err
		}
		var hdr layout.MetaExtentHeader
		if err = hdr.Decode(first); err != nil {
			return err
		}
		capacity := int(hdr.Capacity(self.blockSize()))
		n := len(encoded)
		if n > capacity {
			n = capacity
		}
		rest := encoded[n:]
		if len(rest) == 0 {
			if hdr.Cont != layout.NilAddress {
				if err = self.freeChain(hdr.Cont); err != nil {
					return err
				}
				hdr.Cont = layout.NilAddress
			}
			return self.writeExtent(addr, &hdr, encoded[:n])
		}
		if hdr.Cont == layout.NilAddress {
			cont, exp, err := self.allocExtent(len(rest))
			if err != nil {
				return err
			}
			// New tail extents are sized to hold all of rest:
			// write it and terminate here.
			hdr.Cont = cont
			if err = self.writeExtent(addr, &hdr, encoded[:n]); err != nil {
				return err
			}
			ch := layout.MetaExtentHeader{Cont: layout.NilAddress, BlockExp: exp}
			mlog.Printf2("btree/store", "ens.SaveNode %v grew cont %v", id, cont)
			return self.writeExtent(cont, &ch, rest)
		}
		if err = self.writeExtent(addr, &hdr, encoded[:n]); err != nil {
			return err
		}
		encoded = rest
		addr = hdr.Cont
	}
}

// CreateNode allocates a single extent sized for the node and writes
// it, returning the new node id.
func (self *ExtentNodeStore) CreateNode(nd *NodeData) (layout.Address, error) {
	encoded := nd.Encode()
	addr, exp, err := self.allocExtent(len(encoded))
	if err != nil {
		return layout.NilAddress, err
	}
	hdr := layout.MetaExtentHeader{Cont: layout.NilAddress, BlockExp: exp}
	if err = self.writeExtent(addr, &hdr, encoded); err != nil {
		return layout.NilAddress, err
	}
	mlog.Printf2("btree/store", "ens.CreateNode %v exp %d", addr, exp)
	return addr, nil
}

// FreeNode returns the node's whole extent chain to the allocator.
func (self *ExtentNodeStore) FreeNode(id layout.Address) error {
	mlog.Printf2("btree/store", "ens.FreeNode %v", id)
	return self.freeChain(id)
}

func (self *ExtentNodeStore) freeChain(addr layout.Address) error {
	for addr != layout.NilAddress {
		first, err := self.Dev.ReadBlock(uint64(addr))
		if err != nil {
			return err
		}
		var hdr layout.MetaExtentHeader
		if err = hdr.Decode(first); err != nil {
			return err
		}
		if err = self.Alloc.Free(addr, hdr.BlockExp); err != nil {
			return err
		}
		addr = hdr.Cont
	}
	return nil
}

// Load and Save adapt the store to the node cache.
func (self *ExtentNodeStore) Load(id layout.Address) (interface{}, error) {
	return self.LoadNode(id)
}

func (self *ExtentNodeStore) Save(id layout.Address, value interface{}) error {
	return self.SaveNode(id, value.(*NodeData))
}
