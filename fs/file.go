/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 12:14:55 2019 mstenber
 * Last modified: Sat Mar 23 11:50:31 2019 mstenber
 * Edit time:     262 min
 *
 */

package fs

import (
	"github.com/fingon/go-mxfs/btree"
	"github.com/fingon/go-mxfs/cow"
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/fingon/go-mxfs/pool"
)

// FileInfo is what Stat reports.
type FileInfo struct {
	ID    uint64
	Name  string
	Size  uint64
	Flags FileFlags
	Nlink uint8
	Pool  int
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name   string
	FileID uint64
}

// maxExtentBytes bounds one data extent's payload; the margin leaves
// room for codec framing of incompressible content.
func (self *Volume) maxExtentBytes() uint64 {
	return layout.ChunkSize(layout.MaxBlockExp, self.Dev.BlockSize()) -
		layout.ChunkHeaderSize - 64
}

// Create makes an empty file under dirID. ErrExists if the name is
// taken.
func (self *Volume) Create(dirID uint64, name string, flags FileFlags) (uint64, error) {
	defer self.lock.Locked()()
	id, err := self.nextFileID()
	if err != nil {
		return 0, err
	}
	if err = self.Tree.Insert(dirKey(dirID, name), le64(id)); err != nil {
		return 0, err
	}
	rec := &fileRecord{Name: name, Flags: flags, Nlink: 1}
	b, err := rec.encode()
	if err != nil {
		return 0, err
	}
	if err = self.Tree.Insert(fileKey(id), b); err != nil {
		return 0, err
	}
	mlog.Printf2("fs/file", "v.Create %d/%s -> %d", dirID, name, id)
	return id, nil
}

// Mkdir makes a subdirectory; a directory is a file record whose
// content is its entry key range, not data extents.
func (self *Volume) Mkdir(dirID uint64, name string) (uint64, error) {
	return self.Create(dirID, name, FlagDir)
}

// Lookup resolves one name under dirID to its file id.
func (self *Volume) Lookup(dirID uint64, name string) (uint64, error) {
	defer self.lock.RLocked()()
	v, err := self.Tree.Lookup(dirKey(dirID, name))
	if err != nil {
		return 0, err
	}
	return u64le(v), nil
}

func (self *Volume) Stat(fileID uint64) (*FileInfo, error) {
	defer self.lock.RLocked()()
	rec, err := self.getRecord(fileID)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ID:    fileID,
		Name:  rec.Name,
		Size:  rec.Size,
		Flags: rec.Flags,
		Nlink: rec.Nlink,
		Pool:  int(rec.PoolHint),
	}, nil
}

// ReadDir lists dirID's entries in name order.
func (self *Volume) ReadDir(dirID uint64) ([]DirEntry, error) {
	defer self.lock.RLocked()()
	prefix := dirPrefix(dirID)
	var entries []DirEntry
	k := prefix
	for {
		nk, v, err := self.Tree.NextKey(k)
		if err == btree.ErrNotFound || (err == nil && !hasPrefix(nk, prefix)) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: nk[len(prefix):], FileID: u64le(v)})
		k = nk
	}
}

// ReadAt reads the file's content at off into buf. Sparse ranges
// (no data table row, or a zero-address row) zero-fill without any
// device I/O. Returns the number of bytes read; short at EOF.
func (self *Volume) ReadAt(fileID, off uint64, buf []byte) (int, error) {
	defer self.lock.RLocked()()
	rec, err := self.getRecord(fileID)
	if err != nil {
		return 0, err
	}
	if off >= rec.Size {
		return 0, nil
	}
	end := off + uint64(len(buf))
	if end > rec.Size {
		end = rec.Size
	}
	caps := rec.Flags.caps()
	n := 0
	for off < end {
		e, err := self.floorEntry(fileID, off)
		if err != nil {
			return n, err
		}
		// A chunk's capacity can reach past the offset of a row
		// written later; bytes under a later row belong to it, so
		// every step stops at the next row's offset.
		limit, err := self.nextEntryOffset(fileID, off)
		if err != nil {
			return n, err
		}
		if limit > end {
			limit = end
		}
		if e != nil && !e.IsHole() {
			_, payload, err := self.CoW.Read(e.Extent, caps)
			if err != nil {
				return n, err
			}
			inOfs := off - e.FileOffset
			if inOfs < uint64(len(payload)) {
				c := limit - off
				if avail := uint64(len(payload)) - inOfs; c > avail {
					c = avail
				}
				copy(buf[n:], payload[inOfs:inOfs+c])
				n += int(c)
				off += c
				continue
			}
		}
		// Hole: zero-fill up to the next data table row.
		for i := off; i < limit; i++ {
			buf[n] = 0
			n++
		}
		off = limit
	}
	return n, nil
}

// WriteAt writes data at off, routing each region through the CoW
// manager: in-extent writes copy-on-write and repoint, appends grow
// the tail extent under the fragmentation policy, everything else
// gets a fresh extent near the file's pool. Sparse gaps are left
// unmaterialized.
func (self *Volume) WriteAt(fileID, off uint64, data []byte) error {
	defer self.lock.Locked()()
	rec, err := self.getRecord(fileID)
	if err != nil {
		return err
	}
	caps := rec.Flags.caps()
	pos := off
	for len(data) > 0 {
		c, err := self.writeRegion(fileID, rec, pos, data, caps)
		if err != nil {
			return err
		}
		pos += c
		data = data[c:]
	}
	if pos > rec.Size {
		rec.Size = pos
	}
	return self.putRecord(fileID, rec)
}

// writeRegion places as much of data as fits in one extent decision,
// returning how many bytes it consumed.
func (self *Volume) writeRegion(fileID uint64, rec *fileRecord, pos uint64, data []byte, caps cow.Capabilities) (uint64, error) {
	e, err := self.floorEntry(fileID, pos)
	if err != nil {
		return 0, err
	}
	limit, err := self.nextEntryOffset(fileID, pos)
	if err != nil {
		return 0, err
	}
	if e != nil && !e.IsHole() {
		hdr, err := self.CoW.Header(e.Extent)
		if err != nil {
			return 0, err
		}
		if hdr.Flags != 0 {
			return self.writeTransformed(fileID, rec, e, pos, data, limit, caps)
		}
		capacity := hdr.Capacity(self.Dev.BlockSize())
		inOfs := pos - e.FileOffset
		if inOfs < capacity {
			c := uint64(len(data))
			if avail := capacity - inOfs; c > avail {
				c = avail
			}
			// The chunk may shadow bytes under a later row; those
			// belong to the later row, so the write stops there.
			if limit != ^uint64(0) && c > limit-pos {
				c = limit - pos
			}
			na, err := self.CoW.Write(e.Extent, inOfs, data[:c], caps)
			if err != nil {
				return 0, err
			}
			if err = self.repoint(fileID, e, na); err != nil {
				return 0, err
			}
			return c, nil
		}
		// Pure append onto the file's last unshared extent grows
		// it; a gap stays sparse, a shared extent gets its own
		// fresh extent below.
		target := pos + uint64(len(data)) - e.FileOffset
		if hdr.RefCount == 1 && limit == ^uint64(0) && inOfs == capacity &&
			target <= self.maxExtentBytes() {
			na, err := self.CoW.Grow(e.Extent, capacity, target-capacity, caps)
			if err == pool.ErrNoSpace {
				// No pool holds a chunk this big anymore; the
				// file continues in a fresh extent instead.
				return self.createExtent(fileID, rec, e, pos, data, limit, caps)
			}
			if err != nil {
				return 0, err
			}
			if err = self.repoint(fileID, e, na); err != nil {
				return 0, err
			}
			na2, err := self.CoW.Write(na, inOfs, data, caps)
			if err != nil {
				return 0, err
			}
			e.Extent = na
			if err = self.repoint(fileID, e, na2); err != nil {
				return 0, err
			}
			return uint64(len(data)), nil
		}
	}
	return self.createExtent(fileID, rec, e, pos, data, limit, caps)
}

// writeTransformed rewrites a compressed/encrypted extent whole,
// growing it first if the new payload cannot fit.
func (self *Volume) writeTransformed(fileID uint64, rec *fileRecord, e *layout.DataTableEntry, pos uint64, data []byte, limit uint64, caps cow.Capabilities) (uint64, error) {
	_, decoded, err := self.CoW.Read(e.Extent, caps)
	if err != nil {
		return 0, err
	}
	inOfs := pos - e.FileOffset
	if inOfs > uint64(len(decoded)) {
		// Writing past the decoded end leaves the gap sparse.
		return self.createExtent(fileID, rec, e, pos, data, limit, caps)
	}
	c := uint64(len(data))
	if limit != ^uint64(0) && c > limit-pos {
		c = limit - pos
	}
	newLen := uint64(len(decoded))
	if inOfs+c > newLen {
		newLen = inOfs + c
	}
	np := make([]byte, newLen)
	copy(np, decoded)
	copy(np[inOfs:], data[:c])
	na, err := self.CoW.Write(e.Extent, 0, np, caps)
	if err == cow.ErrWriteBeyondChunk {
		na, err = self.CoW.Grow(e.Extent, uint64(len(decoded)), newLen-uint64(len(decoded)), caps)
		if err != nil {
			return 0, err
		}
		if err = self.repoint(fileID, e, na); err != nil {
			return 0, err
		}
		e.Extent = na
		na, err = self.CoW.Write(na, 0, np, caps)
	}
	if err != nil {
		return 0, err
	}
	if err = self.repoint(fileID, e, na); err != nil {
		return 0, err
	}
	return c, nil
}

// createExtent materializes a fresh extent at pos, bounded by the
// next data table row. rec (when given) picks up the landing pool as
// its new locality hint and the extent's exponent.
func (self *Volume) createExtent(fileID uint64, rec *fileRecord, prev *layout.DataTableEntry, pos uint64, data []byte, limit uint64, caps cow.Capabilities) (uint64, error) {
	c := uint64(len(data))
	if limit != ^uint64(0) && c > limit-pos {
		c = limit - pos
	}
	if max := self.maxExtentBytes(); c > max {
		c = max
	}
	hint := 0
	if rec != nil {
		hint = int(rec.PoolHint)
	}
	// A request too large for any pool's contiguous space splits:
	// halve until a pool takes it, the rest goes to the next rows.
	addr, exp, pi, err := self.CoW.Create(hint, data[:c], caps)
	for err == pool.ErrNoSpace && c > uint64(self.Dev.BlockSize()) {
		c /= 2
		addr, exp, pi, err = self.CoW.Create(hint, data[:c], caps)
	}
	if err != nil {
		return 0, err
	}
	e := &layout.DataTableEntry{FileOffset: pos, Extent: addr}
	if prev != nil && prev.FileOffset == pos {
		// A zero-address hole row at exactly this offset gets
		// repointed instead of duplicated.
		err = self.Tree.Update(extKey(fileID, pos), encodeEntry(e))
	} else {
		err = self.Tree.Insert(extKey(fileID, pos), encodeEntry(e))
	}
	if err != nil {
		return 0, err
	}
	if rec != nil {
		if pi != int(rec.PoolHint) {
			mlog.Printf2("fs/file", "v.createExtent file %d pool link %d -> %d", fileID, rec.PoolHint, pi)
			rec.PoolHint = uint16(pi)
		}
		rec.BlockExp = exp
	}
	return c, nil
}

// repoint updates the data table row when a CoW or grow moved its
// extent.
func (self *Volume) repoint(fileID uint64, e *layout.DataTableEntry, na layout.Address) error {
	if na == e.Extent {
		return nil
	}
	ne := &layout.DataTableEntry{FileOffset: e.FileOffset, Extent: na}
	return self.Tree.Update(extKey(fileID, e.FileOffset), encodeEntry(ne))
}

// Remove unlinks dirID/name; when the last link goes, every data
// extent is released and the record removed.
func (self *Volume) Remove(dirID uint64, name string) error {
	defer self.lock.Locked()()
	v, err := self.Tree.Lookup(dirKey(dirID, name))
	if err != nil {
		return err
	}
	id := u64le(v)
	if err = self.Tree.Remove(dirKey(dirID, name)); err != nil {
		return err
	}
	rec, err := self.getRecord(id)
	if err != nil {
		return err
	}
	rec.Nlink--
	if rec.Nlink > 0 {
		return self.putRecord(id, rec)
	}
	if err = self.releaseExtents(id, 0); err != nil {
		return err
	}
	mlog.Printf2("fs/file", "v.Remove %d/%s (file %d)", dirID, name, id)
	return self.Tree.Remove(fileKey(id))
}

// releaseExtents drops every data table row at offset >= from,
// releasing the backing extents.
func (self *Volume) releaseExtents(fileID, from uint64) error {
	// The NextKey walk below is strictly-greater; a row exactly at
	// from is released here.
	if err := self.releaseRow(fileID, extKey(fileID, from)); err != nil && err != btree.ErrNotFound {
		return err
	}
	k := extKey(fileID, from)
	for {
		nk, _, err := self.Tree.NextKey(k)
		if err == btree.ErrNotFound || (err == nil && !hasPrefix(nk, extPrefix(fileID))) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = self.releaseRow(fileID, nk); err != nil {
			return err
		}
		k = nk
	}
}

func (self *Volume) releaseRow(fileID uint64, key string) error {
	v, err := self.Tree.Lookup(key)
	if err != nil {
		return err
	}
	e, err := decodeEntry(v)
	if err != nil {
		return err
	}
	if !e.IsHole() {
		if _, err = self.CoW.Release(e.Extent); err != nil {
			return err
		}
	}
	return self.Tree.Remove(key)
}

// Truncate clamps the file to size, releasing rows entirely beyond
// it. A row straddling the boundary stays; reads clamp by size.
func (self *Volume) Truncate(fileID, size uint64) error {
	defer self.lock.Locked()()
	rec, err := self.getRecord(fileID)
	if err != nil {
		return err
	}
	if size < rec.Size {
		if err = self.releaseExtents(fileID, size); err != nil {
			return err
		}
		if err = self.zeroTail(fileID, size, rec.Flags.caps()); err != nil {
			return err
		}
	}
	rec.Size = size
	return self.putRecord(fileID, rec)
}

// zeroTail clears the bytes past size in an extent straddling the
// truncation point, so a later extension reads zeroes there.
func (self *Volume) zeroTail(fileID, size uint64, caps cow.Capabilities) error {
	if size == 0 {
		return nil
	}
	e, err := self.floorEntry(fileID, size-1)
	if err != nil || e == nil || e.IsHole() {
		return err
	}
	inOfs := size - e.FileOffset
	hdr, err := self.CoW.Header(e.Extent)
	if err != nil {
		return err
	}
	if hdr.Flags != 0 {
		_, decoded, err := self.CoW.Read(e.Extent, caps)
		if err != nil {
			return err
		}
		if uint64(len(decoded)) <= inOfs {
			return nil
		}
		na, err := self.CoW.Write(e.Extent, 0, decoded[:inOfs], caps)
		if err != nil {
			return err
		}
		return self.repoint(fileID, e, na)
	}
	capacity := hdr.Capacity(self.Dev.BlockSize())
	if inOfs >= capacity {
		return nil
	}
	na, err := self.CoW.Write(e.Extent, inOfs, make([]byte, capacity-inOfs), caps)
	if err != nil {
		return err
	}
	return self.repoint(fileID, e, na)
}

// Link adds another name for an existing file (hard link).
func (self *Volume) Link(dirID uint64, name string, fileID uint64) error {
	defer self.lock.Locked()()
	rec, err := self.getRecord(fileID)
	if err != nil {
		return err
	}
	if err = self.Tree.Insert(dirKey(dirID, name), le64(fileID)); err != nil {
		return err
	}
	rec.Nlink++
	mlog.Printf2("fs/file", "v.Link %d/%s -> %d (nlink %d)", dirID, name, fileID, rec.Nlink)
	return self.putRecord(fileID, rec)
}

// Snapshot clones srcID under a new name: a fresh record whose data
// table shares every extent of the source. Writes to either side
// copy-on-write away from the shared chunks.
func (self *Volume) Snapshot(dirID uint64, name string, srcID uint64) (uint64, error) {
	defer self.lock.Locked()()
	src, err := self.getRecord(srcID)
	if err != nil {
		return 0, err
	}
	id, err := self.nextFileID()
	if err != nil {
		return 0, err
	}
	if err = self.Tree.Insert(dirKey(dirID, name), le64(id)); err != nil {
		return 0, err
	}
	rec := &fileRecord{
		Name:     name,
		BlockExp: src.BlockExp,
		Size:     src.Size,
		Flags:    src.Flags,
		Nlink:    1,
		PoolHint: src.PoolHint,
	}
	b, err := rec.encode()
	if err != nil {
		return 0, err
	}
	if err = self.Tree.Insert(fileKey(id), b); err != nil {
		return 0, err
	}
	k := extPrefix(srcID)
	for {
		nk, v, err := self.Tree.NextKey(k)
		if err == btree.ErrNotFound || (err == nil && !hasPrefix(nk, extPrefix(srcID))) {
			break
		}
		if err != nil {
			return 0, err
		}
		e, err := decodeEntry(v)
		if err != nil {
			return 0, err
		}
		if !e.IsHole() {
			if err = self.CoW.Share(e.Extent); err != nil {
				return 0, err
			}
		}
		if err = self.Tree.Insert(extKey(id, e.FileOffset), v); err != nil {
			return 0, err
		}
		k = nk
	}
	mlog.Printf2("fs/file", "v.Snapshot %d -> %d/%s (file %d)", srcID, dirID, name, id)
	return id, nil
}

// Defrag sweeps the whole volume's data table, deduplicating
// identical-content extents and repointing the rows that referenced
// the duplicates. Returns the number of chunks merged.
func (self *Volume) Defrag() (int, error) {
	defer self.lock.Locked()()
	var addrs []layout.Address
	rows := make(map[layout.Address][]string)
	k := "E"
	for {
		nk, v, err := self.Tree.NextKey(k)
		if err == btree.ErrNotFound || (err == nil && nk[0] != 'E') {
			break
		}
		if err != nil {
			return 0, err
		}
		e, err := decodeEntry(v)
		if err != nil {
			return 0, err
		}
		if !e.IsHole() {
			if len(rows[e.Extent]) == 0 {
				addrs = append(addrs, e.Extent)
			}
			rows[e.Extent] = append(rows[e.Extent], nk)
		}
		k = nk
	}
	return self.CoW.Defrag(addrs, func(old, new layout.Address) error {
		for _, key := range rows[old] {
			e := &layout.DataTableEntry{FileOffset: extKeyOffset(key), Extent: new}
			if err := self.Tree.Update(key, encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}
