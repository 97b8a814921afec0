// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memphys provides the small sliver of "physically addressable,
// mmap-backed memory" that drivers needing DMA-visible buffers (AHCI
// command lists, FIS receive areas, command tables) build on, following
// the same golang.org/x/sys/unix mmap idiom as block.MemDevice. There is
// no real physical address space in a userspace simulation, so Region
// reports the mmap'd slice's own base address as its "physical" address;
// that is enough to exercise the allocation and pointer-programming
// logic the real driver performs against actual hardware registers.
package memphys

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrNoMemory = errors.New("memphys: allocation failed")

// Allocator hands out physically-contiguous Regions.
type Allocator interface {
	Alloc(size int) (Region, error)
}

// Region is a contiguous block of DMA-visible memory, laid out as:
// [command list][FIS receive area][command table 0]...[command table N-1].
type Region interface {
	Bytes() []byte
	CommandListPA() uintptr
	FisReceivePA() uintptr
	CommandTablePA(slot int) uintptr
	SetCommandTablePA(slot int, pa uintptr)
}

// Geometry constants for AHCI's command structures (AHCI 1.3.1 §4.2).
const (
	CmdHeaderSizeDefault  = 32
	FisReceiveAreaDefault = 256
	CmdTableSizeDefault   = 128 + 16*16 // command FIS + ATAPI area + 16 PRDT entries of 16 bytes
)

type mmapAllocator struct {
	mu sync.Mutex
}

// NewMmapAllocator returns an Allocator backed by anonymous mmap, the
// same mechanism block.MemDevice uses for its device memory.
func NewMmapAllocator() Allocator {
	return &mmapAllocator{}
}

func (a *mmapAllocator) Alloc(size int) (Region, error) {
	if size <= 0 {
		return nil, errors.Wrap(ErrNoMemory, "memphys: size must be positive")
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "memphys: mmap")
	}
	return &region{mem: mem, numSlots: (size - FisReceiveAreaDefault) / (CmdHeaderSizeDefault + CmdTableSizeDefault)}, nil
}

type region struct {
	mem       []byte
	numSlots  int
	tablePAs  [32]uintptr
}

func (r *region) Bytes() []byte { return r.mem }

func (r *region) base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

func (r *region) CommandListPA() uintptr { return r.base() }

func (r *region) FisReceivePA() uintptr {
	return r.base() + uintptr(r.numSlots*CmdHeaderSizeDefault)
}

func (r *region) CommandTablePA(slot int) uintptr {
	if r.tablePAs[slot] != 0 {
		return r.tablePAs[slot]
	}
	return r.FisReceivePA() + uintptr(FisReceiveAreaDefault+slot*CmdTableSizeDefault)
}

func (r *region) SetCommandTablePA(slot int, pa uintptr) {
	r.tablePAs[slot] = pa
}
