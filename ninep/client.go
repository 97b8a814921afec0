// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ninep

import (
	"context"

	"github.com/pkg/errors"
)

// Linux open(2) flags this client uses, matching the values the
// original's file.c/dir.c pass straight through to Tlopen/Tlcreate.
const (
	OpenReadOnly  = 0x0
	OpenWriteOnly = 0x1
	OpenReadWrite = 0x2
	OpenCreate    = 0x40
	OpenTruncate  = 0x200
)

const defaultFileMode = 0o644
const defaultGid = 0

// Client is a mounted 9P connection: it owns the Session and the FID
// attached to the export root, and satisfies vfs.FileSystem so a 9P
// export can be mounted into the same VFS a spifs volume is.
type Client struct {
	session *Session
	ctx     context.Context
	rootFid uint32
}

// Mount negotiates the protocol version, attaches as uname/aname, and
// returns a ready-to-use Client.
func Mount(ctx context.Context, transport Transport, msize uint32, uname, aname string) (*Client, error) {
	s := NewSession(transport, msize)
	if err := s.Version(ctx); err != nil {
		return nil, err
	}
	rootQid, err := s.Attach(ctx, uname, aname)
	if err != nil {
		return nil, err
	}
	fid, _ := s.RootFid()
	_ = rootQid
	return &Client{session: s, ctx: ctx, rootFid: fid}, nil
}

// File is an open 9P file handle: its own FID (distinct from the
// session's root) plus a one-page cache.
type File struct {
	session *Session
	ctx     context.Context
	fid     uint32
	name    string
	attr    Attr
	cache   *pageCache
}

func (f *File) Name() string { return f.name }
func (f *File) Size() uint64 { return f.attr.Size }

// Read satisfies vfs.FileHandle via the page cache.
func (f *File) Read(off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, errors.New("ninep: negative offset")
	}
	return f.cache.readAt(f.ctx, f, uint64(off), buf)
}

// Write satisfies vfs.FileHandle via the page cache; call Flush (or
// Close) to persist it.
func (f *File) Write(off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, errors.New("ninep: negative offset")
	}
	n, err := f.cache.writeAt(f.ctx, f, uint64(off), buf)
	if uint64(off)+uint64(n) > f.attr.Size {
		f.attr.Size = uint64(off) + uint64(n)
	}
	return n, err
}

// Flush writes back the cache's dirty page, if any.
func (f *File) Flush() error {
	return f.cache.flush(f.ctx, f)
}

// Close flushes and clunks the FID.
func (f *File) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return f.session.Clunk(f.ctx, f.fid)
}

// Open walks from the attach root to name, opens it read-write, and
// wraps it as a File. Matches vfs.FileSystem.
func (c *Client) Open(name string) (*File, error) {
	fid, _, err := c.session.Walk(c.ctx, c.rootFid, name)
	if err != nil {
		return nil, err
	}
	qid, err := c.session.Lopen(c.ctx, fid, OpenReadWrite)
	if err != nil {
		c.session.Clunk(c.ctx, fid)
		return nil, err
	}
	attr, err := c.session.Getattr(c.ctx, fid)
	if err != nil {
		attr = Attr{Qid: qid}
	}
	return &File{session: c.session, ctx: c.ctx, fid: fid, name: name, attr: attr, cache: newPageCache(uint32(c.session.msize))}, nil
}

// Create creates name at the attach root with the given length hint (9P
// has no preallocation primitive, so length only seeds Attr.Size; a later
// write past that size grows it, and nothing here shrinks it).
func (c *Client) Create(name string, length uint64) (*File, error) {
	dirFid, _, err := c.session.Walk(c.ctx, c.rootFid, ".")
	if err != nil {
		return nil, err
	}
	flags := uint32(OpenReadWrite | OpenCreate)
	qid, err := c.session.Lcreate(c.ctx, dirFid, name, flags, defaultFileMode, defaultGid)
	if err != nil {
		c.session.Clunk(c.ctx, dirFid)
		return nil, err
	}
	return &File{session: c.session, ctx: c.ctx, fid: dirFid, name: name, attr: Attr{Qid: qid, Size: length}, cache: newPageCache(uint32(c.session.msize))}, nil
}

// Remove walks to name and removes it.
func (c *Client) Remove(name string) error {
	fid, _, err := c.session.Walk(c.ctx, c.rootFid, name)
	if err != nil {
		return err
	}
	return c.session.Remove(c.ctx, fid)
}

// Readdir reads the full entry stream of the attach root, following the
// trailing-short-record re-issue-at-higher-offset protocol of
// DecodeDirStream/spec.md §4.7.
func (c *Client) Readdir() []string {
	fid, _, err := c.session.Walk(c.ctx, c.rootFid, ".")
	if err != nil {
		return nil
	}
	defer c.session.Clunk(c.ctx, fid)

	if _, err := c.session.Lopen(c.ctx, fid, OpenReadOnly); err != nil {
		return nil
	}

	var names []string
	var off uint64
	for {
		entries, err := c.session.Readdir(c.ctx, fid, off, uint32(c.session.msize))
		if err != nil || len(entries) == 0 {
			break
		}
		for _, e := range entries {
			names = append(names, e.Name)
			off = e.Offset
		}
	}
	return names
}
