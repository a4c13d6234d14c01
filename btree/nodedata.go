/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 09:20:14 2019 mstenber
 * Last modified: Thu Mar 21 14:33:02 2019 mstenber
 * Edit time:     49 min
 *
 */

package btree

import (
	"encoding/binary"

	"github.com/fingon/go-mxfs/layout"
)

// Item is one (key, child-or-record) pair. Leaf items carry a record
// value; internal items carry a child node address, and their key is
// the minimum key of that child's subtree.
type Item struct {
	Key   string
	Value []byte
	Child layout.Address
}

// NodeData is the content of one tree node. Nodes are mutated in
// place and written back through the node cache.
type NodeData struct {
	Leafy bool
	Items []Item
}

// Encoding: u16 count | u8 leafy | per item u16 keylen + key +
// (leaf: u32 vallen + value, internal: u64 child). All LE.
func (self *NodeData) EncodedSize() int {
	size := 3
	for _, it := range self.Items {
		size += 2 + len(it.Key)
		if self.Leafy {
			size += 4 + len(it.Value)
		} else {
			size += 8
		}
	}
	return size
}

func (self *NodeData) Encode() []byte {
	b := make([]byte, self.EncodedSize())
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(self.Items)))
	if self.Leafy {
		b[2] = 1
	}
	ofs := 3
	for _, it := range self.Items {
		binary.LittleEndian.PutUint16(b[ofs:], uint16(len(it.Key)))
		ofs += 2
		copy(b[ofs:], it.Key)
		ofs += len(it.Key)
		if self.Leafy {
			binary.LittleEndian.PutUint32(b[ofs:], uint32(len(it.Value)))
			ofs += 4
			copy(b[ofs:], it.Value)
			ofs += len(it.Value)
		} else {
			binary.LittleEndian.PutUint64(b[ofs:], uint64(it.Child))
			ofs += 8
		}
	}
	return b
}

func (self *NodeData) Decode(b []byte) error {
	if len(b) < 3 {
		return layout.ErrShortBuffer
	}
	count := int(binary.LittleEndian.Uint16(b[0:2]))
	self.Leafy = b[2] == 1
	self.Items = make([]Item, count)
	ofs := 3
	for i := 0; i < count; i++ {
		if len(b) < ofs+2 {
			return layout.ErrShortBuffer
		}
		kl := int(binary.LittleEndian.Uint16(b[ofs:]))
		ofs += 2
		if len(b) < ofs+kl {
			return layout.ErrShortBuffer
		}
		self.Items[i].Key = string(b[ofs : ofs+kl])
		ofs += kl
		if self.Leafy {
			if len(b) < ofs+4 {
				return layout.ErrShortBuffer
			}
			vl := int(binary.LittleEndian.Uint32(b[ofs:]))
			ofs += 4
			if len(b) < ofs+vl {
				return layout.ErrShortBuffer
			}
			self.Items[i].Value = make([]byte, vl)
			copy(self.Items[i].Value, b[ofs:ofs+vl])
			ofs += vl
		} else {
			if len(b) < ofs+8 {
				return layout.ErrShortBuffer
			}
			self.Items[i].Child = layout.Address(binary.LittleEndian.Uint64(b[ofs:]))
			ofs += 8
		}
	}
	return nil
}
