// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spifs

// File is an open handle to a SPIFS file: its only state beyond the
// shared *FS is the ToC metadata record, since SPIFS is flat and holds
// no separate directory entries.
type File struct {
	fs   *FS
	meta tocFile
}

func (f *File) Name() string     { return f.meta.Filename }
func (f *File) Size() uint64     { return uint64(f.meta.Length) }
func (f *File) Capacity() uint64 { return uint64(f.meta.Capacity) }

// Read copies up to len(buf) bytes starting at logical offset off,
// clamped to the file's current length, mirroring spifs_read.
func (f *File) Read(off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalidArgs
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	fileStart := int64(f.fs.pageSize) * int64(f.meta.PageIdx)
	fileEnd := fileStart + int64(f.meta.Length)
	readStart := fileStart + off
	readEnd := readStart + int64(len(buf))

	n := len(buf)
	if readStart >= fileEnd {
		n = 0
	} else if readEnd > fileEnd {
		n = int(fileEnd - readStart)
	}
	if n == 0 {
		return 0, nil
	}
	if err := f.fs.dev.ReadAt(readStart, buf[:n]); err != nil {
		return 0, ErrIo
	}
	return n, nil
}

// Write performs a read-modify-write across whichever pages [off, off+len)
// spans: a partial leading page and partial trailing page are each
// read-modified-written, full interior pages are written directly,
// mirroring spifs_write. Writing past the file's current length grows it
// (and dirties the ToC) but never past its fixed Capacity
// (ErrOutOfRange).
func (f *File) Write(off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalidArgs
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	size := len(buf)
	if uint64(off)+uint64(size) > uint64(f.meta.Capacity) {
		return 0, ErrOutOfRange
	}

	dirtyToC := false
	if uint32(off)+uint32(size) > f.meta.Length {
		f.meta.Length = uint32(off) + uint32(size)
		dirtyToC = true
	}

	startAddr := uint32(off) + f.meta.PageIdx*f.fs.pageSize
	targetPage := startAddr / f.fs.pageSize
	remaining := size
	cursor := 0

	pageOffset := startAddr % f.fs.pageSize
	if pageOffset != 0 {
		pageEnd := f.fs.roundUpPage(startAddr)
		n := int(pageEnd - startAddr)
		if n > remaining {
			n = remaining
		}
		page, err := f.fs.readPage(targetPage)
		if err != nil {
			return 0, err
		}
		copy(page[pageOffset:], buf[cursor:cursor+n])
		if err := f.fs.writePage(targetPage, page); err != nil {
			return 0, err
		}
		remaining -= n
		cursor += n
		targetPage++
	}

	for remaining >= int(f.fs.pageSize) {
		if err := f.fs.writePage(targetPage, buf[cursor:cursor+int(f.fs.pageSize)]); err != nil {
			return 0, err
		}
		remaining -= int(f.fs.pageSize)
		cursor += int(f.fs.pageSize)
		targetPage++
	}

	if remaining > 0 {
		page, err := f.fs.readPage(targetPage)
		if err != nil {
			return 0, err
		}
		copy(page, buf[cursor:cursor+remaining])
		if err := f.fs.writePage(targetPage, page); err != nil {
			return 0, err
		}
		remaining = 0
	}

	if dirtyToC {
		if err := f.fs.commitToC(); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// Truncate shrinks the file's logical length; it cannot grow a file
// (ErrInvalidArgs), matching spifs_truncate's one-directional contract.
func (f *File) Truncate(length uint64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if length > uint64(f.meta.Length) {
		return ErrInvalidArgs
	}
	f.meta.Length = uint32(length)
	return f.fs.commitToC()
}
