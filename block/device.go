// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block provides the uniform BlockDevice capability set that
// filesystems and drivers in this module share: read/write/erase/ioctl
// over a byte-addressable, power-of-two-block-sized device, with optional
// erase-geometry and parent/subdevice (partition) relationships.
package block

import (
	"github.com/pkg/errors"
)

// Sentinel errors, spec.md §7.
var (
	ErrIo            = errors.New("block: i/o error")
	ErrInvalidArgs   = errors.New("block: invalid arguments")
	ErrNotSupported  = errors.New("block: not supported")
)

// IoctlCode enumerates the ioctl requests spec.md §6 names.
type IoctlCode int

const (
	IoctlGetFileAddr IoctlCode = iota
	IoctlIsMapped
	IoctlGetMapAddr
)

// EraseRegion is one non-overlapping span of a device with a uniform erase
// unit size.
type EraseRegion struct {
	Start     int64 // byte offset from the start of the device
	Length    int64 // byte length of the region
	EraseSize int64 // size of one erase unit within this region
}

// BlockDevice is the capability set every driver and filesystem in this
// module programs against (spec.md §6). Concrete devices (AHCI disks,
// in-memory test doubles, subdevices) each provide one constructor
// returning this interface, in the teacher's capability-interface style
// (fuse.FileSystem / fuse.File).
type BlockDevice interface {
	Name() string
	TotalSize() int64
	BlockSize() int64
	EraseGeometry() []EraseRegion

	ReadAt(off int64, p []byte) error
	WriteAt(off int64, p []byte) error
	Erase(off, length int64) error
	Ioctl(code IoctlCode, arg any) (any, error)
}

// checkBounds validates that [off, off+length) lies within total, returning
// ErrInvalidArgs otherwise.
func checkBounds(total, off, length int64) error {
	if off < 0 || length < 0 || off+length > total {
		return errors.Wrapf(ErrInvalidArgs, "range [%d,%d) exceeds device size %d", off, off+length, total)
	}
	return nil
}
