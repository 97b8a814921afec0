// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spifs implements the log-structured SPI/NOR flash filesystem
// of spec.md §4.5: a flat file table with no directories, written as a
// dual front/back Table of Contents that alternates on every mutation so
// a power failure mid-commit never corrupts both copies at once.
package spifs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Sentinel errors, spec.md §7.
var (
	ErrInvalidArgs   = errors.New("spifs: invalid arguments")
	ErrNotFound      = errors.New("spifs: file not found")
	ErrAlreadyExists = errors.New("spifs: file already exists")
	ErrTooBig        = errors.New("spifs: no room")
	ErrBadPath       = errors.New("spifs: bad path")
	ErrOutOfRange    = errors.New("spifs: write exceeds file capacity")
	ErrCrcFail       = errors.New("spifs: both tables of contents are corrupt")
	ErrBadState      = errors.New("spifs: table of contents inconsistent")
	ErrNotSupported  = errors.New("spifs: not supported")
	ErrIo            = errors.New("spifs: device i/o error")
)

// On-disk constants, mirrored from original_source/lib/fs/spifs/spifs.c.
const (
	fsVersion = 1
	fsMagic   = 0x53504653 // "SPFS"

	// EntryLength is the fixed size, in bytes, of every ToC record
	// (header, file entry, or footer): spec.md calls this out as a
	// structural invariant the allocator and cursor logic both depend on.
	EntryLength = 32

	headerReservedBytes = 16
	footerReservedBytes = 28

	// MaxFilenameLength includes the NUL terminator budget the original
	// reserves via strlcpy; Go strings carry no terminator, so callers
	// get MaxFilenameLength-1 usable bytes.
	MaxFilenameLength = 20

	frontTocLabel = "front-toc"
	backTocLabel  = "back-toc"
)

// tocPosition names which end of the device holds the active ToC.
type tocPosition int32

const (
	frontToC tocPosition = 1
	backToC  tocPosition = -1
)

// tocHeader is the first EntryLength-byte record of a ToC page.
type tocHeader struct {
	Magic       uint32
	Version     uint32
	NumEntries  uint32
	Generation  uint32
	_reserved   [headerReservedBytes]byte
}

func (h tocHeader) encode() []byte {
	buf := make([]byte, EntryLength)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.NumEntries)
	binary.LittleEndian.PutUint32(buf[12:], h.Generation)
	return buf
}

func decodeTocHeader(buf []byte) tocHeader {
	return tocHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:]),
		Version:    binary.LittleEndian.Uint32(buf[4:]),
		NumEntries: binary.LittleEndian.Uint32(buf[8:]),
		Generation: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// tocFile is one file's metadata record: page index in the flash address
// space, logical length in bytes, capacity in bytes (always a whole
// number of pages), and a fixed-width filename.
type tocFile struct {
	PageIdx  uint32
	Length   uint32
	Capacity uint32
	Filename string
}

func (f tocFile) encode() []byte {
	buf := make([]byte, EntryLength)
	binary.LittleEndian.PutUint32(buf[0:], f.PageIdx)
	binary.LittleEndian.PutUint32(buf[4:], f.Length)
	binary.LittleEndian.PutUint32(buf[8:], f.Capacity)
	n := copy(buf[12:12+MaxFilenameLength], f.Filename)
	_ = n
	return buf
}

func decodeTocFile(buf []byte) tocFile {
	name := buf[12 : 12+MaxFilenameLength]
	nul := len(name)
	for i, b := range name {
		if b == 0 {
			nul = i
			break
		}
	}
	return tocFile{
		PageIdx:  binary.LittleEndian.Uint32(buf[0:]),
		Length:   binary.LittleEndian.Uint32(buf[4:]),
		Capacity: binary.LittleEndian.Uint32(buf[8:]),
		Filename: string(name[:nul]),
	}
}

func (f tocFile) isEmpty() bool { return f.Capacity == 0 }

// tocFooter trails a ToC: a reserved pad followed by the CRC-32 over
// every preceding record on the ToC (the header and every entry slot).
// The footer itself is not covered by the checksum.
type tocFooter struct {
	_reserved [footerReservedBytes]byte
	Checksum  uint32
}

func (f tocFooter) encode() []byte {
	buf := make([]byte, EntryLength)
	binary.LittleEndian.PutUint32(buf[footerReservedBytes:], f.Checksum)
	return buf
}

func decodeTocFooter(buf []byte) tocFooter {
	return tocFooter{Checksum: binary.LittleEndian.Uint32(buf[footerReservedBytes:])}
}

// crcTable is the standard IEEE 802.3 polynomial table used for every
// ToC checksum, same as the original's lib/cksum wrapper around zlib's
// crc32.
var crcTable = crc32.MakeTable(crc32.IEEE)
