/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 09:12:40 2019 mstenber
 * Last modified: Sat Mar 23 14:05:17 2019 mstenber
 * Edit time:     61 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fingon/go-mxfs/device"
	"github.com/fingon/go-mxfs/device/factory"
	"github.com/fingon/go-mxfs/fs"
	"github.com/fingon/go-mxfs/layout"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [flags] mkfs|info|stats|ls PATH\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	backendp := flag.String("backend", "file",
		fmt.Sprintf("Device backend to use (possible: %v)", factory.List()))
	blocksize := flag.Int("blocksize", device.DefaultBlockSize, "Device block size")
	blockcount := flag.Uint64("blockcount", 1<<20, "Device block count (mkfs)")
	poolblocks := flag.Uint64("poolblocks", fs.DefaultPoolBlocks, "Data blocks per extent pool (mkfs)")
	cachesize := flag.Int("cachesize", fs.DefaultCacheCapacity, "Number of tree nodes to cache")
	dirid := flag.Uint64("dir", fs.RootDirID, "Directory id for ls")

	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	path := flag.Arg(1)

	dev, err := factory.New(*backendp, device.Config{
		Path:       path,
		BlockSize:  *blocksize,
		BlockCount: *blockcount,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	cfg := fs.Config{PoolBlocks: *poolblocks, CacheCapacity: *cachesize}
	switch command {
	case "mkfs":
		if err = fs.Format(dev, cfg); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("formatted %s (%d x %d byte blocks)\n",
			path, dev.BlockCount(), dev.BlockSize())
	case "info":
		v, err := fs.Mount(dev, cfg)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("volume %s\n", v.GUID())
		fmt.Printf("format version %d.%d\n",
			layout.CurrentVersion/10, layout.CurrentVersion%10)
		st := v.Stats()
		fmt.Printf("%d pools, %d free blocks\n", st.Pools, st.FreeBlocks)
	case "stats":
		v, err := fs.Mount(dev, cfg)
		if err != nil {
			log.Fatal(err)
		}
		st := v.Stats()
		fmt.Printf("cache: %d hits, %d misses, %d evictions\n",
			st.CacheHits, st.CacheMisses, st.CacheEvictions)
		fmt.Printf("pools: %d (%d free blocks)\n", st.Pools, st.FreeBlocks)
	case "ls":
		v, err := fs.Mount(dev, cfg)
		if err != nil {
			log.Fatal(err)
		}
		entries, err := v.ReadDir(*dirid)
		if err != nil {
			log.Fatal(err)
		}
		for _, e := range entries {
			fi, err := v.Stat(e.FileID)
			if err != nil {
				log.Fatal(err)
			}
			kind := " "
			if fi.Flags&fs.FlagDir != 0 {
				kind = "d"
			}
			fmt.Printf("%s %10d %6d %s\n", kind, fi.Size, e.FileID, e.Name)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}
