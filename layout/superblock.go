/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 14:05:12 2019 mstenber
 * Last modified: Mon Mar 18 14:02:33 2019 mstenber
 * Edit time:     47 min
 *
 */

package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Superblock lives at LBA 0, exactly one per volume:
//
//	GUID:128 | VERSION:8 | FIRST-POOL-PTR:64 | ROOT-DIR-PTR:64
//
// Immutable after format except the two pointers. VERSION/10 gives
// major.minor; decoding refuses a different major.
const SuperblockSize = 33

// CurrentVersion 12 = format 1.2.
const CurrentVersion = 12

type Superblock struct {
	GUID      uuid.UUID
	Version   uint8
	FirstPool Address
	RootDir   Address
}

// NewSuperblock returns a superblock for a freshly formatted volume,
// with a random GUID and current version.
func NewSuperblock() *Superblock {
	return &Superblock{GUID: uuid.New(), Version: CurrentVersion}
}

func (self *Superblock) Encode(b []byte) error {
	if len(b) < SuperblockSize {
		return ErrShortBuffer
	}
	copy(b[0:16], self.GUID[:])
	b[16] = self.Version
	binary.LittleEndian.PutUint64(b[17:25], uint64(self.FirstPool))
	binary.LittleEndian.PutUint64(b[25:33], uint64(self.RootDir))
	return nil
}

func (self *Superblock) Decode(b []byte) error {
	if len(b) < SuperblockSize {
		return ErrShortBuffer
	}
	copy(self.GUID[:], b[0:16])
	self.Version = b[16]
	if self.Version/10 != CurrentVersion/10 {
		return fmt.Errorf("unsupported format version %d.%d",
			self.Version/10, self.Version%10)
	}
	self.FirstPool = Address(binary.LittleEndian.Uint64(b[17:25]))
	self.RootDir = Address(binary.LittleEndian.Uint64(b[25:33]))
	return nil
}
