// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ninep

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Message type tags, 9P2000.L (dev/virtio/9p/protocol.h's P9_T*/P9_R*
// enum, mirrored by name).
const (
	msgTversion = 100
	msgRversion = 101
	msgTattach  = 104
	msgRattach  = 105
	msgRlerror  = 7
	msgTwalk    = 110
	msgRwalk    = 111
	msgTlopen   = 12
	msgRlopen   = 13
	msgTlcreate = 14
	msgRlcreate = 15
	msgTread    = 116
	msgRread    = 117
	msgTwrite   = 118
	msgRwrite   = 119
	msgTclunk   = 120
	msgRclunk   = 121
	msgTremove  = 122
	msgRremove  = 123
	msgTmkdir   = 72
	msgRmkdir   = 73
	msgTgetattr = 24
	msgRgetattr = 25
	msgTreaddir = 40
	msgRreaddir = 41
)

// Version9P is the protocol version string this client negotiates; a
// server replying with anything else is rejected (ErrProtocolMismatch).
const Version9P = "9P2000.L"

// DefaultMsize bounds the send/receive buffers when a caller doesn't
// specify one.
const DefaultMsize = 8192

// GetattrBasic is the request_mask value for the "basic" attribute set
// spec.md's Tgetattr calls out.
const GetattrBasic = 0x000007ff

// Transport is the underlying point-to-point channel a Session's RPCs
// ride on (a virtio queue in the original; a mock or an in-process pipe
// in tests). RoundTrip sends one fully-encoded message and returns the
// server's reply type and payload, or an error if the transport itself
// failed (distinct from an Rlerror reply, which RoundTrip surfaces as a
// normal msgRlerror response for the caller to translate).
type Transport interface {
	RoundTrip(ctx context.Context, msgType uint8, payload []byte) (replyType uint8, replyPayload []byte, err error)
}

// Attr is the subset of Tgetattr's Rgetattr response this client parses
// (request_mask BASIC).
type Attr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Qid   Qid
}

// Session is one 9P connection: a monotonically increasing FID
// allocator (FIDs are never reused within a session, matching
// get_unused_fid) and a session-wide mutex serializing the single
// outstanding request the tag-less wire protocol allows at a time.
type Session struct {
	transport Transport
	msize     uint32

	mu       sync.Mutex // also guards the single-outstanding RPC invariant
	nextFid  uint32
	rootFid  uint32
	attached bool
}

// NewSession wraps transport with FID bookkeeping. msize of 0 uses
// DefaultMsize.
func NewSession(transport Transport, msize uint32) *Session {
	if msize == 0 {
		msize = DefaultMsize
	}
	return &Session{transport: transport, msize: msize, nextFid: 1}
}

// allocFid returns the next unused FID. Caller must hold s.mu.
func (s *Session) allocFid() uint32 {
	fid := s.nextFid
	s.nextFid++
	return fid
}

// rpc sends one request and parses a reply, translating an Rlerror
// reply into a Go error instead of returning it as a success payload.
func (s *Session) rpc(ctx context.Context, msgType uint8, req *Buffer) (*Buffer, error) {
	replyType, payload, err := s.transport.RoundTrip(ctx, msgType, req.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "ninep: transport")
	}
	if replyType == msgRlerror {
		b := NewReadBuffer(payload)
		code, _ := b.ReadUint32()
		return nil, errors.Wrapf(ErrIo, "ninep: server error %d", code)
	}
	return NewReadBuffer(payload), nil
}

// Version negotiates the protocol version and msize, rejecting any
// server reply that isn't exactly "9P2000.L" (spec.md's invariant).
func (s *Session) Version(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := NewBuffer()
	req.WriteUint32(s.msize)
	req.WriteString(Version9P)

	resp, err := s.rpc(ctx, msgTversion, req)
	if err != nil {
		return err
	}
	negMsize, err := resp.ReadUint32()
	if err != nil {
		return err
	}
	ver, err := resp.ReadString()
	if err != nil {
		return err
	}
	if ver != Version9P {
		return errors.Wrapf(ErrProtocolMismatch, "ninep: server replied %q", ver)
	}
	if negMsize < s.msize {
		s.msize = negMsize
	}
	return nil
}

// Attach attaches to the server's file tree under uname/aname, returning
// the root qid and fixing this session's root FID.
func (s *Session) Attach(ctx context.Context, uname, aname string) (Qid, error) {
	s.mu.Lock()
	fid := s.allocFid()
	s.mu.Unlock()

	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint32(0xffffffff) // afid: NOFID, no auth
	req.WriteString(uname)
	req.WriteString(aname)
	req.WriteUint32(0) // n_uname unused, uname by name

	resp, err := s.lockedRPC(ctx, msgTattach, req)
	if err != nil {
		return Qid{}, err
	}
	qid, err := resp.ReadQid()
	if err != nil {
		return Qid{}, err
	}

	s.mu.Lock()
	s.rootFid = fid
	s.attached = true
	s.mu.Unlock()

	return qid, nil
}

func (s *Session) lockedRPC(ctx context.Context, msgType uint8, req *Buffer) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpc(ctx, msgType, req)
}

// Walk walks from fid to the given slash-separated path (split into at
// most MaxWalkElem components per Twalk), allocating and returning a new
// FID for the destination along with the qids walked.
func (s *Session) Walk(ctx context.Context, fid uint32, path string) (newFid uint32, qids []Qid, err error) {
	names, err := splitWalkNames(path)
	if err != nil {
		return 0, nil, err
	}

	s.mu.Lock()
	target := s.allocFid()
	s.mu.Unlock()

	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint32(target)
	req.WriteUint16(uint16(len(names)))
	for _, n := range names {
		req.WriteString(n)
	}

	resp, err := s.lockedRPC(ctx, msgTwalk, req)
	if err != nil {
		return 0, nil, err
	}
	nwqid, err := resp.ReadUint16()
	if err != nil {
		return 0, nil, err
	}
	qids = make([]Qid, nwqid)
	for i := range qids {
		qids[i], err = resp.ReadQid()
		if err != nil {
			return 0, nil, err
		}
	}
	return target, qids, nil
}

// Lopen opens fid with the given Linux open(2) flags, returning its qid.
func (s *Session) Lopen(ctx context.Context, fid uint32, flags uint32) (Qid, error) {
	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint32(flags)
	resp, err := s.lockedRPC(ctx, msgTlopen, req)
	if err != nil {
		return Qid{}, err
	}
	qid, err := resp.ReadQid()
	if err != nil {
		return Qid{}, err
	}
	return qid, nil
}

// Lcreate creates name under dirFid and opens it, returning its qid.
func (s *Session) Lcreate(ctx context.Context, dirFid uint32, name string, flags, mode uint32, gid uint32) (Qid, error) {
	req := NewBuffer()
	req.WriteUint32(dirFid)
	req.WriteString(name)
	req.WriteUint32(flags)
	req.WriteUint32(mode)
	req.WriteUint32(gid)
	resp, err := s.lockedRPC(ctx, msgTlcreate, req)
	if err != nil {
		return Qid{}, err
	}
	qid, err := resp.ReadQid()
	if err != nil {
		return Qid{}, err
	}
	return qid, nil
}

// Read reads up to count bytes from fid at offset off.
func (s *Session) Read(ctx context.Context, fid uint32, off uint64, count uint32) ([]byte, error) {
	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint64(off)
	req.WriteUint32(count)
	resp, err := s.lockedRPC(ctx, msgTread, req)
	if err != nil {
		return nil, err
	}
	return resp.ReadData()
}

// Write writes buf to fid at offset off, returning the number of bytes
// the server accepted.
func (s *Session) Write(ctx context.Context, fid uint32, off uint64, buf []byte) (uint32, error) {
	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint64(off)
	req.WriteData(buf)
	resp, err := s.lockedRPC(ctx, msgTwrite, req)
	if err != nil {
		return 0, err
	}
	return resp.ReadUint32()
}

// Getattr fetches the basic attribute set for fid.
func (s *Session) Getattr(ctx context.Context, fid uint32) (Attr, error) {
	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint64(GetattrBasic)
	resp, err := s.lockedRPC(ctx, msgTgetattr, req)
	if err != nil {
		return Attr{}, err
	}
	if _, err := resp.ReadUint64(); err != nil { // valid mask, unused
		return Attr{}, err
	}
	qid, err := resp.ReadQid()
	if err != nil {
		return Attr{}, err
	}
	mode, err := resp.ReadUint32()
	if err != nil {
		return Attr{}, err
	}
	uid, err := resp.ReadUint32()
	if err != nil {
		return Attr{}, err
	}
	gid, err := resp.ReadUint32()
	if err != nil {
		return Attr{}, err
	}
	if _, err := resp.ReadUint64(); err != nil { // nlink, unused
		return Attr{}, err
	}
	if _, err := resp.ReadUint64(); err != nil { // rdev, unused
		return Attr{}, err
	}
	size, err := resp.ReadUint64()
	if err != nil {
		return Attr{}, err
	}
	return Attr{Mode: mode, UID: uid, GID: gid, Size: size, Qid: qid}, nil
}

// Readdir reads one chunk of the directory entry stream starting at off,
// leaving trailing-short-record handling to DecodeDirStream.
func (s *Session) Readdir(ctx context.Context, fid uint32, off uint64, count uint32) ([]DirEntry, error) {
	req := NewBuffer()
	req.WriteUint32(fid)
	req.WriteUint64(off)
	req.WriteUint32(count)
	resp, err := s.lockedRPC(ctx, msgTreaddir, req)
	if err != nil {
		return nil, err
	}
	data, err := resp.ReadData()
	if err != nil {
		return nil, err
	}
	entries, _, err := DecodeDirStream(data)
	return entries, err
}

// Mkdir creates a directory name under dirFid.
func (s *Session) Mkdir(ctx context.Context, dirFid uint32, name string, mode, gid uint32) (Qid, error) {
	req := NewBuffer()
	req.WriteUint32(dirFid)
	req.WriteString(name)
	req.WriteUint32(mode)
	req.WriteUint32(gid)
	resp, err := s.lockedRPC(ctx, msgTmkdir, req)
	if err != nil {
		return Qid{}, err
	}
	return resp.ReadQid()
}

// Remove removes the file fid refers to. The FID is consumed by the
// server regardless of success, matching the protocol's semantics.
func (s *Session) Remove(ctx context.Context, fid uint32) error {
	req := NewBuffer()
	req.WriteUint32(fid)
	_, err := s.lockedRPC(ctx, msgTremove, req)
	return err
}

// Clunk releases fid, returning it for potential reuse bookkeeping by a
// higher layer (the session's own FID counter never reuses a FID, per
// get_unused_fid, so this only tells the server to forget it).
func (s *Session) Clunk(ctx context.Context, fid uint32) error {
	req := NewBuffer()
	req.WriteUint32(fid)
	_, err := s.lockedRPC(ctx, msgTclunk, req)
	return err
}

// RootFid returns the FID Attach bound the root to.
func (s *Session) RootFid() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootFid, s.attached
}
