/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 10:12:47 2019 mstenber
 * Last modified: Wed Mar 20 11:02:16 2019 mstenber
 * Edit time:     39 min
 *
 */

package cow

import (
	"github.com/fingon/go-mxfs/layout"
	"github.com/fingon/go-mxfs/mlog"
	"github.com/minio/sha256-simd"
)

// Defrag deduplicates chunks with identical decoded content and
// flags: every duplicate is repointed (via the callback, so the
// owning metadata follows) to the first-seen chunk, which picks up
// its reference. A separate sweep, deliberately off the hot write
// path; NoCoW files end up here too since the flag never
// deduplicates retroactively.
func (self *Manager) Defrag(addrs []layout.Address, repoint func(old, new layout.Address) error) (merged int, err error) {
	type key struct {
		flags layout.ChunkFlags
		sum   [sha256.Size]byte
	}
	seen := make(map[key]layout.Address, len(addrs))
	for _, addr := range addrs {
		if addr == layout.NilAddress {
			continue
		}
		hdr, payload, err := self.Read(addr, Capabilities{})
		if err != nil {
			// A chunk that does not verify is not a dedup
			// candidate; the sweep moves on.
			mlog.Printf2("cow/defrag", "cm.Defrag skip %v: %v", addr, err)
			continue
		}
		k := key{flags: hdr.Flags, sum: sha256.Sum256(payload)}
		canonical, ok := seen[k]
		if !ok {
			seen[k] = addr
			continue
		}
		if canonical == addr {
			continue
		}
		if err = self.Share(canonical); err != nil {
			return merged, err
		}
		if err = repoint(addr, canonical); err != nil {
			return merged, err
		}
		if _, err = self.Release(addr); err != nil {
			return merged, err
		}
		merged++
		mlog.Printf2("cow/defrag", "cm.Defrag %v => %v", addr, canonical)
	}
	return merged, nil
}
