// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// lkctl formats and inspects SPIFS images on an in-memory block device,
// and reports host mount state, wiring the sched/block/spifs/vfs stack
// together the way the teacher's example/loopback wires fuse+nodefs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/gokernel/lk/block"
	"github.com/gokernel/lk/spifs"
	"github.com/gokernel/lk/vfs"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	deviceSize := flag.Int64("size", 1<<20, "bytes of backing memory for the image device")
	blockSize := flag.Int64("block-size", 512, "device block size in bytes")
	eraseSize := flag.Int64("erase-size", 4096, "erase unit size in bytes")
	mountPoint := flag.String("mount", "/data", "path to mount the volume under in the in-process vfs")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Printf("usage: %s [flags] format|ls|check-host-mount [args...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	switch flag.Arg(0) {
	case "format":
		runFormat(*deviceSize, *blockSize, *eraseSize)
	case "ls":
		runLs(*deviceSize, *blockSize, *eraseSize, *mountPoint)
	case "check-host-mount":
		runCheckHostMount(flag.Arg(1))
	default:
		log.Fatalf("unknown subcommand %q", flag.Arg(0))
	}
}

func newDevice(size, blockSize, eraseSize int64) block.BlockDevice {
	geom := []block.EraseRegion{{Start: 0, Length: size, EraseSize: eraseSize}}
	dev, err := block.NewMemDevice("lkctl-image", size, blockSize, geom)
	if err != nil {
		log.Fatalf("allocating image device: %v", err)
	}
	return dev
}

func runFormat(size, blockSize, eraseSize int64) {
	dev := newDevice(size, blockSize, eraseSize)
	if err := spifs.Format(dev, nil); err != nil {
		log.Fatalf("format: %v", err)
	}
	fmt.Printf("formatted a %d-byte spifs image\n", size)
}

func runLs(size, blockSize, eraseSize int64, mountPoint string) {
	dev := newDevice(size, blockSize, eraseSize)
	if err := spifs.Format(dev, nil); err != nil {
		log.Fatalf("format: %v", err)
	}
	fs, err := spifs.Mount(dev)
	if err != nil {
		log.Fatalf("mount: %v", err)
	}

	v := vfs.New()
	if err := v.Mount(mountPoint, spifsVFSAdapter{fs}); err != nil {
		log.Fatalf("vfs mount: %v", err)
	}

	names, err := v.Readdir(mountPoint)
	if err != nil {
		log.Fatalf("readdir: %v", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func runCheckHostMount(path string) {
	if path == "" {
		log.Fatal("check-host-mount requires a path argument")
	}
	conflict, err := vfs.CheckHostMount(path)
	if err != nil {
		log.Fatalf("checking host mount table: %v", err)
	}
	if conflict == nil {
		fmt.Printf("%s is not a host mount point\n", path)
		return
	}
	fmt.Printf("%s is already a host mount point: fstype=%s source=%s\n", conflict.Path, conflict.FSType, conflict.Source)
}

// spifsVFSAdapter adapts *spifs.FS to vfs.FileSystem; spifs.File already
// satisfies vfs.FileHandle.
type spifsVFSAdapter struct {
	fs *spifs.FS
}

func (a spifsVFSAdapter) Open(name string) (vfs.FileHandle, error) {
	return a.fs.Open(name)
}

func (a spifsVFSAdapter) Create(name string, length uint64) (vfs.FileHandle, error) {
	return a.fs.Create(name, length)
}

func (a spifsVFSAdapter) Remove(name string) error {
	return a.fs.Remove(name)
}

func (a spifsVFSAdapter) Readdir() []string {
	return a.fs.Readdir()
}
