/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 10:05:27 2019 mstenber
 * Last modified: Fri Mar 15 09:17:29 2019 mstenber
 * Edit time:     18 min
 *
 */

// factory creates block devices by backend name, so command line
// tools (and tests) can select them with a string.
package factory

import (
	"fmt"
	"sort"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/device/badger"
	"github.com/fingon/go-mxfs/device/bolt"
	"github.com/fingon/go-mxfs/device/file"
	"github.com/fingon/go-mxfs/device/inmemory"
)

type deviceFactoryCallback func(config device.Config) (device.Device, error)

var name2factory = map[string]deviceFactoryCallback{
	"inmemory": func(config device.Config) (device.Device, error) {
		return inmemory.NewInMemoryDevice(config), nil
	},
	"file":   file.NewFileDevice,
	"bolt":   bolt.NewBoltDevice,
	"badger": badger.NewBadgerDevice,
}

func List() []string {
	keys := make([]string, 0, len(name2factory))
	for k := range name2factory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func New(name string, config device.Config) (device.Device, error) {
	cb, ok := name2factory[name]
	if !ok {
		return nil, fmt.Errorf("no such device backend: %s (have: %v)", name, List())
	}
	return cb(config)
}
