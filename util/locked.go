/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 10:40:18 2019 mstenber
 * Last modified: Wed Feb 20 14:02:55 2019 mstenber
 * Edit time:     11 min
 *
 */

package util

import "sync"

// MutexLocked is a mutex with the defer x.Locked()() convenience.
type MutexLocked sync.Mutex

func (self *MutexLocked) Locked() (unlock func()) {
	mut := (*sync.Mutex)(self)
	mut.Lock()
	return func() {
		mut.Unlock()
	}
}

// RWMutexLocked is the same convenience for a reader-writer lock;
// Locked gives the writer mode, RLocked the shared reader mode.
type RWMutexLocked sync.RWMutex

func (self *RWMutexLocked) Locked() (unlock func()) {
	mut := (*sync.RWMutex)(self)
	mut.Lock()
	return func() {
		mut.Unlock()
	}
}

func (self *RWMutexLocked) RLocked() (unlock func()) {
	mut := (*sync.RWMutex)(self)
	mut.RLock()
	return func() {
		mut.RUnlock()
	}
}
