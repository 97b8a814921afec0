// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ninep implements a 9P2000.L client: wire codec, session/FID
// management, and a tag-less single-outstanding RPC pipeline over an
// underlying transport, per spec.md §4.7. Grounded on
// original_source/dev/virtio/9p/protocol.c's pdu_read*/pdu_write*
// helpers and lib/fs/9p/*.c's message construction.
package ninep

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Sentinel errors, spec.md §7.
var (
	ErrIo             = errors.New("ninep: i/o error")
	ErrBadPath        = errors.New("ninep: too many path components")
	ErrProtocolMismatch = errors.New("ninep: server does not support 9P2000.L")
	ErrShortBuffer    = errors.New("ninep: short buffer")
	ErrNotFound       = errors.New("ninep: not found")
)

// MaxWalkElem is the maximum number of path components a single Twalk
// may carry, per the 9P2000.L wire limit spec.md §6 calls out.
const MaxWalkElem = 16

// QidLength is the fixed wire size of a qid: {type:1, version:4, path:8}.
const QidLength = 13

// Qid identifies a file on the server across walks.
type Qid struct {
	Type    uint8
	Version uint32
	Path    uint64
}

// Buffer is a growable/consumable byte cursor matching p9_fcall's
// sdata/size/offset triple: Write* appends, Read* consumes from the
// front, mirroring pdu_write/pdu_read.
type Buffer struct {
	data   []byte
	offset int
}

// NewBuffer returns an empty write buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewReadBuffer wraps an existing byte slice for sequential reads.
func NewReadBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Remaining() int { return len(b.data) - b.offset }

func (b *Buffer) WriteByte(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) ReadByte() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	v := b.data[b.offset]
	b.offset++
	return v, nil
}

func (b *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint16(b.data[b.offset:])
	b.offset += 2
	return v, nil
}

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(b.data[b.offset:])
	b.offset += 4
	return v, nil
}

func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(b.data[b.offset:])
	b.offset += 8
	return v, nil
}

// WriteString writes a u16 length prefix followed by the string bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUint16(uint16(len(s)))
	b.data = append(b.data, s...)
}

// ReadString reads a u16-length-prefixed string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	if b.Remaining() < int(n) {
		return "", ErrShortBuffer
	}
	s := string(b.data[b.offset : b.offset+int(n)])
	b.offset += int(n)
	return s, nil
}

// WriteData writes a u32 length prefix followed by raw bytes, the 9P
// "data blob" encoding used by Twrite/Rread payloads.
func (b *Buffer) WriteData(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.data = append(b.data, p...)
}

// ReadData reads a u32-length-prefixed data blob.
func (b *Buffer) ReadData() ([]byte, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	if b.Remaining() < int(n) {
		return nil, ErrShortBuffer
	}
	p := b.data[b.offset : b.offset+int(n)]
	b.offset += int(n)
	return p, nil
}

// WriteQid writes a 13-byte qid.
func (b *Buffer) WriteQid(q Qid) {
	b.WriteByte(q.Type)
	b.WriteUint32(q.Version)
	b.WriteUint64(q.Path)
}

// ReadQid reads a 13-byte qid.
func (b *Buffer) ReadQid() (Qid, error) {
	typ, err := b.ReadByte()
	if err != nil {
		return Qid{}, err
	}
	ver, err := b.ReadUint32()
	if err != nil {
		return Qid{}, err
	}
	path, err := b.ReadUint64()
	if err != nil {
		return Qid{}, err
	}
	return Qid{Type: typ, Version: ver, Path: path}, nil
}

// DirEntry is one record of a Treaddir response stream: qid, offset of
// the next entry, file type, and name.
type DirEntry struct {
	Qid    Qid
	Offset uint64
	Type   uint8
	Name   string
}

// DecodeDirStream decodes as many {qid, offset:8, type:1, name} records
// as fit in buf, per spec.md §4.7: a trailing short record (the buffer
// ends mid-record) is not an error — it returns what decoded cleanly
// plus the number of bytes actually consumed, so the caller re-issues
// Treaddir at the offset of the last full entry.
func DecodeDirStream(buf []byte) (entries []DirEntry, consumed int, err error) {
	b := NewReadBuffer(buf)
	for b.Remaining() > 0 {
		start := b.offset
		qid, err := b.ReadQid()
		if err != nil {
			return entries, start, nil
		}
		offset, err := b.ReadUint64()
		if err != nil {
			return entries, start, nil
		}
		typ, err := b.ReadByte()
		if err != nil {
			return entries, start, nil
		}
		name, err := b.ReadString()
		if err != nil {
			return entries, start, nil
		}
		entries = append(entries, DirEntry{Qid: qid, Offset: offset, Type: typ, Name: name})
		consumed = b.offset
	}
	return entries, consumed, nil
}

// splitWalkNames splits a slash-separated path into at most MaxWalkElem
// components, mirroring path_to_wname: empty components (leading/
// trailing/doubled slashes) are dropped. An empty path yields no
// components (a zero-element walk); a path made only of slashes becomes
// the single component ".".
func splitWalkNames(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if path[0] == '/' {
		path = path[1:]
	}
	var names []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				names = append(names, path[start:i])
				if len(names) > MaxWalkElem {
					return nil, ErrBadPath
				}
			}
			start = i + 1
		}
	}
	if len(names) == 0 {
		names = []string{"."}
	}
	if len(names) > MaxWalkElem {
		return nil, ErrBadPath
	}
	return names, nil
}
