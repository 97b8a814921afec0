// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ninep

import (
	"context"
	"testing"
)

func TestBufferRoundTrip(t *testing.T) {
	w := NewBuffer()
	w.WriteByte(7)
	w.WriteUint16(0x1234)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(0x0102030405060708)
	w.WriteString("hello")
	w.WriteData([]byte{1, 2, 3})
	w.WriteQid(Qid{Type: 1, Version: 2, Path: 3})

	r := NewReadBuffer(w.Bytes())
	if b, _ := r.ReadByte(); b != 7 {
		t.Fatalf("byte mismatch")
	}
	if v, _ := r.ReadUint16(); v != 0x1234 {
		t.Fatalf("uint16 mismatch")
	}
	if v, _ := r.ReadUint32(); v != 0xdeadbeef {
		t.Fatalf("uint32 mismatch")
	}
	if v, _ := r.ReadUint64(); v != 0x0102030405060708 {
		t.Fatalf("uint64 mismatch")
	}
	if s, _ := r.ReadString(); s != "hello" {
		t.Fatalf("string mismatch: %q", s)
	}
	if d, _ := r.ReadData(); string(d) != "\x01\x02\x03" {
		t.Fatalf("data mismatch: %v", d)
	}
	if q, _ := r.ReadQid(); q != (Qid{Type: 1, Version: 2, Path: 3}) {
		t.Fatalf("qid mismatch: %+v", q)
	}
}

func TestSplitWalkNamesLimit(t *testing.T) {
	path := ""
	for i := 0; i < MaxWalkElem+1; i++ {
		path += "/a"
	}
	if _, err := splitWalkNames(path); err != ErrBadPath {
		t.Fatalf("got %v, want ErrBadPath beyond %d components", err, MaxWalkElem)
	}
}

func TestDecodeDirStreamTrailingShortRecord(t *testing.T) {
	full := NewBuffer()
	full.WriteQid(Qid{Type: 0, Version: 1, Path: 2})
	full.WriteUint64(100)
	full.WriteByte(0)
	full.WriteString("file1")

	// Truncate mid-way through a second (incomplete) entry.
	partial := append(full.Bytes(), 0, 0, 0) // a few stray bytes of a qid

	entries, consumed, err := DecodeDirStream(partial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "file1" {
		t.Fatalf("got %+v", entries)
	}
	if consumed != len(full.Bytes()) {
		t.Fatalf("got consumed=%d, want %d", consumed, len(full.Bytes()))
	}
}

// mockServer is an in-process Transport standing in for a 9P server,
// serving a fixed one-file root directory: "hello.txt" containing
// "hello world". This is scenario S6: walk to a file then read it back
// through a mocked transport, no real network or virtio queue involved.
type mockServer struct {
	files map[string][]byte
}

func (m *mockServer) RoundTrip(ctx context.Context, msgType uint8, payload []byte) (uint8, []byte, error) {
	req := NewReadBuffer(payload)
	switch msgType {
	case msgTversion:
		req.ReadUint32() // msize
		resp := NewBuffer()
		resp.WriteUint32(DefaultMsize)
		resp.WriteString(Version9P)
		return msgRversion, resp.Bytes(), nil

	case msgTattach:
		req.ReadUint32() // fid
		resp := NewBuffer()
		resp.WriteQid(Qid{Type: 0, Version: 0, Path: 0})
		return msgRattach, resp.Bytes(), nil

	case msgTwalk:
		req.ReadUint32() // fid
		req.ReadUint32() // newfid
		n, _ := req.ReadUint16()
		var lastName string
		qids := make([]Qid, 0, n)
		for i := uint16(0); i < n; i++ {
			name, _ := req.ReadString()
			lastName = name
			qids = append(qids, Qid{Type: 0, Version: 0, Path: uint64(len(lastName))})
		}
		resp := NewBuffer()
		resp.WriteUint16(uint16(len(qids)))
		for _, q := range qids {
			resp.WriteQid(q)
		}
		return msgRwalk, resp.Bytes(), nil

	case msgTlopen:
		req.ReadUint32() // fid
		req.ReadUint32() // flags
		resp := NewBuffer()
		resp.WriteQid(Qid{Type: 0, Version: 0, Path: 1})
		return msgRlopen, resp.Bytes(), nil

	case msgTgetattr:
		req.ReadUint32()
		resp := NewBuffer()
		resp.WriteUint64(GetattrBasic)
		resp.WriteQid(Qid{})
		resp.WriteUint32(0o644) // mode
		resp.WriteUint32(0)     // uid
		resp.WriteUint32(0)     // gid
		resp.WriteUint64(1)     // nlink
		resp.WriteUint64(0)     // rdev
		resp.WriteUint64(uint64(len(m.files["hello.txt"])))
		return msgRgetattr, resp.Bytes(), nil

	case msgTread:
		req.ReadUint32() // fid
		off, _ := req.ReadUint64()
		count, _ := req.ReadUint32()
		data := m.files["hello.txt"]
		end := off + uint64(count)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		var chunk []byte
		if off < uint64(len(data)) {
			chunk = data[off:end]
		}
		resp := NewBuffer()
		resp.WriteData(chunk)
		return msgRread, resp.Bytes(), nil

	case msgTclunk:
		return msgRclunk, nil, nil
	}
	t := NewBuffer()
	t.WriteUint32(1)
	return msgRlerror, t.Bytes(), nil
}

func TestWalkAndReadAgainstMockServer(t *testing.T) {
	srv := &mockServer{files: map[string][]byte{"hello.txt": []byte("hello world")}}
	client, err := Mount(context.Background(), srv, 0, "user", "")
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	f, err := client.Open("hello.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	buf := make([]byte, 11)
	n, err := f.Read(0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 11 || string(buf) != "hello world" {
		t.Fatalf("got %q (%d bytes)", buf[:n], n)
	}
}
