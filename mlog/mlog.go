/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 10:02:41 2019 mstenber
 * Last modified: Thu Mar  7 11:48:12 2019 mstenber
 * Edit time:     71 min
 *
 */

// mlog is maybe-log; a small wrapper of standard 'log' which prints
// only what the MLOG environment variable (or -mlog flag) pattern
// selects. What is not selected costs nearly nothing at runtime.
//
// Call stack depth is used to determine indentation automatically, to
// facilitate tracing of e.g. nested b-tree operations.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-mxfs/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below is accessed only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var fileEnabled map[string]bool
var minDepth int
var callers []uintptr

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file regular expression")
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive just to produce log arguments.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetPattern sets the match pattern by hand, overriding the
// environment. The returned undo function restores the old state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldPattern := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(oldPattern)
	}
}

func initializeWithPattern(p string) {
	pattern = p
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	fileEnabled = make(map[string]bool)
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	initializeWithPattern(p)
}

// Printf is drop-in replacement of log.Printf. It pays for
// runtime.Caller on every call if MLOG is enabled at all; Printf2 is
// preferable in hot paths.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 logs iff the supplied file tag matches the configured
// pattern. The tag is given by the caller so no caller lookup is
// needed for the (common) non-matching case.
func Printf2(file string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if st < stateDisabled {
		initialize()
		if atomic.LoadInt32(&status) <= stateDisabled {
			return
		}
	}
	enabled, seen := fileEnabled[file]
	if !seen {
		enabled = patternRegexp.FindString(file) != ""
		fileEnabled[file] = enabled
	}
	if !enabled {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = fmt.Sprint(strings.Repeat(".", depth), format)
	}
	format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	logger.Printf(format, args...)
}
