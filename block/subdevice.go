// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import "github.com/pkg/errors"

// Subdevice is a partition: a named window onto a parent device expressed
// in logical blocks. It inherits the parent's block size and every erase
// region of the parent that intersects its range, clipped to that range
// (a single region when the range lies inside one parent region).
type Subdevice struct {
	parent     BlockDevice
	name       string
	startBlock int64
	blockCount int64
	geometry   []EraseRegion
}

// PublishSubdevice constructs a Subdevice covering
// [startBlock, startBlock+blockCount) logical blocks of parent.
func PublishSubdevice(parent BlockDevice, name string, startBlock, blockCount int64) (*Subdevice, error) {
	bs := parent.BlockSize()
	start := startBlock * bs
	length := blockCount * bs
	if err := checkBounds(parent.TotalSize(), start, length); err != nil {
		return nil, err
	}
	return &Subdevice{
		parent:     parent,
		name:       name,
		startBlock: startBlock,
		blockCount: blockCount,
		geometry:   intersectGeometry(parent.EraseGeometry(), start, length),
	}, nil
}

// intersectGeometry returns the erase regions of parent geometry that
// overlap [start, start+length), clipped to that window and re-based to
// subdevice-relative offsets.
func intersectGeometry(parent []EraseRegion, start, length int64) []EraseRegion {
	end := start + length
	var out []EraseRegion
	for _, r := range parent {
		rEnd := r.Start + r.Length
		lo := max64(r.Start, start)
		hi := min64(rEnd, end)
		if lo >= hi {
			continue
		}
		out = append(out, EraseRegion{Start: lo - start, Length: hi - lo, EraseSize: r.EraseSize})
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (d *Subdevice) Name() string          { return d.name }
func (d *Subdevice) TotalSize() int64      { return d.blockCount * d.parent.BlockSize() }
func (d *Subdevice) BlockSize() int64      { return d.parent.BlockSize() }
func (d *Subdevice) EraseGeometry() []EraseRegion { return d.geometry }

func (d *Subdevice) translate(off, length int64) (int64, error) {
	if err := checkBounds(d.TotalSize(), off, length); err != nil {
		return 0, err
	}
	return d.startBlock*d.parent.BlockSize() + off, nil
}

func (d *Subdevice) ReadAt(off int64, p []byte) error {
	po, err := d.translate(off, int64(len(p)))
	if err != nil {
		return err
	}
	return d.parent.ReadAt(po, p)
}

func (d *Subdevice) WriteAt(off int64, p []byte) error {
	po, err := d.translate(off, int64(len(p)))
	if err != nil {
		return err
	}
	return d.parent.WriteAt(po, p)
}

func (d *Subdevice) Erase(off, length int64) error {
	po, err := d.translate(off, length)
	if err != nil {
		return err
	}
	return d.parent.Erase(po, length)
}

func (d *Subdevice) Ioctl(code IoctlCode, arg any) (any, error) {
	return nil, errors.Wrap(ErrNotSupported, "subdevice ioctl")
}
