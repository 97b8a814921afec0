// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import (
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// HostMountConflict reports that a path this VFS wants to mount at is
// already a real host mount point, the collision cmd/lkctl's
// check-host-mount subcommand reports.
type HostMountConflict struct {
	Path   string
	FSType string
	Source string
}

// CheckHostMount cross-references mountPoint against the host's actual
// mount table (via /proc/self/mountinfo) and returns the matching entry,
// if any. This module's own VFS has no notion of the host's mounts; this
// is purely a diagnostic so a developer pointing cmd/lkctl at, say, "/"
// gets a clear warning instead of a confusing downstream I/O error.
func CheckHostMount(mountPoint string) (*HostMountConflict, error) {
	mountPoint = cleanMountPoint(mountPoint)

	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPoint))
	if err != nil {
		return nil, errors.Wrap(err, "vfs: reading host mount table")
	}
	if len(infos) == 0 {
		return nil, nil
	}
	info := infos[0]
	return &HostMountConflict{Path: info.Mountpoint, FSType: info.FSType, Source: info.Source}, nil
}

// HostMounted reports whether path is currently a mount point on the
// host, per mountinfo.Mounted.
func HostMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		return false, errors.Wrap(err, "vfs: checking host mount state")
	}
	return mounted, nil
}
