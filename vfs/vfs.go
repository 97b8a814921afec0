// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vfs is the mount-table/dispatch layer of spec.md §2: it routes
// a path to whichever concrete filesystem (spifs, ninep, ...) is mounted
// at the longest matching prefix, the same responsibility the teacher's
// fuse.PathNodeFs/FileSystemConnector split between path resolution and
// protocol dispatch — here collapsed into one layer since there is no
// separate wire protocol to shield callers from.
package vfs

import (
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Sentinel errors, spec.md §7.
var (
	ErrNotFound     = errors.New("vfs: not found")
	ErrAlreadyMounted = errors.New("vfs: mount point already in use")
	ErrNotSupported = errors.New("vfs: not supported")
	ErrInvalidArgs  = errors.New("vfs: invalid arguments")
)

// FileHandle is the minimal per-open-file contract a mounted
// FileSystem's files satisfy; spifs.File and a ninep client's open-FID
// wrapper both implement it.
type FileHandle interface {
	Read(off int64, buf []byte) (int, error)
	Write(off int64, buf []byte) (int, error)
	Name() string
	Size() uint64
}

// FileSystem is the capability set a concrete filesystem registers under
// a name in the Registry and that a Mount exposes at a mount point, the
// VFS-level analogue of the teacher's pathfs.FileSystem.
type FileSystem interface {
	Open(name string) (FileHandle, error)
	Create(name string, length uint64) (FileHandle, error)
	Remove(name string) error
	Readdir() []string
}

// mountEntry pairs a mounted FileSystem with the path it's mounted at.
type mountEntry struct {
	path string
	fs   FileSystem
}

// VFS is the process-wide mount table: a flat list of mount points (no
// nested mount awareness is needed since every filesystem this module
// implements is itself flat) resolved by longest-matching path prefix.
type VFS struct {
	mu     sync.RWMutex
	mounts []mountEntry
}

// New returns an empty VFS with no mounts.
func New() *VFS {
	return &VFS{}
}

// Mount attaches fs at mountPoint. mountPoint must be an absolute,
// clean path ("/", "/data", ...); mounting the same point twice is
// rejected rather than silently shadowing the previous mount.
func (v *VFS) Mount(mountPoint string, fs FileSystem) error {
	mountPoint = cleanMountPoint(mountPoint)
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if m.path == mountPoint {
			return ErrAlreadyMounted
		}
	}
	v.mounts = append(v.mounts, mountEntry{path: mountPoint, fs: fs})
	return nil
}

// Unmount detaches whatever filesystem is mounted at mountPoint.
func (v *VFS) Unmount(mountPoint string) error {
	mountPoint = cleanMountPoint(mountPoint)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mounts {
		if m.path == mountPoint {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func cleanMountPoint(p string) string {
	p = path.Clean("/" + p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// resolve finds the mount whose path is the longest prefix of name,
// returning that FileSystem and name relative to the mount point.
func (v *VFS) resolve(name string) (FileSystem, string, error) {
	name = path.Clean("/" + name)

	v.mu.RLock()
	defer v.mu.RUnlock()

	var best *mountEntry
	for i := range v.mounts {
		m := &v.mounts[i]
		if m.path == "/" || name == m.path || strings.HasPrefix(name, m.path+"/") {
			if best == nil || len(m.path) > len(best.path) {
				best = m
			}
		}
	}
	if best == nil {
		return nil, "", ErrNotFound
	}
	rel := strings.TrimPrefix(name, best.path)
	rel = strings.TrimPrefix(rel, "/")
	return best.fs, rel, nil
}

// Open resolves name to its mounted FileSystem and opens it there.
func (v *VFS) Open(name string) (FileHandle, error) {
	fs, rel, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	return fs.Open(rel)
}

// Create resolves name to its mounted FileSystem and creates it there.
func (v *VFS) Create(name string, length uint64) (FileHandle, error) {
	fs, rel, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	return fs.Create(rel, length)
}

// Remove resolves name to its mounted FileSystem and removes it there.
func (v *VFS) Remove(name string) error {
	fs, rel, err := v.resolve(name)
	if err != nil {
		return err
	}
	return fs.Remove(rel)
}

// Readdir lists the entries of whichever filesystem is mounted at
// exactly dir.
func (v *VFS) Readdir(dir string) ([]string, error) {
	fs, rel, err := v.resolve(dir)
	if err != nil {
		return nil, err
	}
	if rel != "" {
		return nil, ErrNotSupported
	}
	return fs.Readdir(), nil
}

// Mounts returns the current mount points in registration order, for
// diagnostics.
func (v *VFS) Mounts() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.mounts))
	for i, m := range v.mounts {
		out[i] = m.path
	}
	return out
}
