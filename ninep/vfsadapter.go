// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ninep

import "github.com/gokernel/lk/vfs"

// VFSAdapter wraps a Client to satisfy vfs.FileSystem, so a 9P export
// can be mounted into a VFS alongside spifs volumes.
type VFSAdapter struct {
	*Client
}

var _ vfs.FileSystem = VFSAdapter{}

func (a VFSAdapter) Open(name string) (vfs.FileHandle, error) {
	return a.Client.Open(name)
}

func (a VFSAdapter) Create(name string, length uint64) (vfs.FileHandle, error) {
	return a.Client.Create(name, length)
}
