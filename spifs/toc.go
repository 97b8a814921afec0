// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spifs

import "hash/crc32"

// corruptToC is the "generation" sentinel get_toc_generation returns
// for a ToC that fails its magic/version/CRC check — a real generation
// number is never zero (Format seeds the in-memory generation at 1 and
// every commit writes generation+1, so committed generations start at 2).
const corruptToC = 0

// readPage reads one page-sized block starting at the given page index.
func (fs *FS) readPage(pageIdx uint32) ([]byte, error) {
	buf := make([]byte, fs.pageSize)
	off := int64(pageIdx) * int64(fs.pageSize)
	if err := fs.dev.ReadAt(off, buf); err != nil {
		return nil, ErrIo
	}
	return buf, nil
}

// writePage erases (if the device has erase geometry) then writes one
// page-sized block at the given page index.
func (fs *FS) writePage(pageIdx uint32, buf []byte) error {
	off := int64(pageIdx) * int64(fs.pageSize)
	if len(fs.dev.EraseGeometry()) != 0 {
		if err := fs.dev.Erase(off, int64(fs.pageSize)); err != nil {
			return ErrIo
		}
	}
	if err := fs.dev.WriteAt(off, buf); err != nil {
		return ErrIo
	}
	return nil
}

// tocCursor walks ToC entries across page boundaries in direction dir
// (+1 for the front ToC growing upward, -1 for the back ToC growing
// downward), one EntryLength record at a time, mirroring the original's
// cursor_t/cursor_advance.
type tocCursor struct {
	fs      *FS
	pageIdx uint32
	dir     int32
	page    []byte
	offset  int
}

func newTocCursor(fs *FS, pos tocPosition, pageIdx uint32) (*tocCursor, error) {
	page, err := fs.readPage(pageIdx)
	if err != nil {
		return nil, err
	}
	return &tocCursor{fs: fs, pageIdx: pageIdx, dir: int32(pos), page: page}, nil
}

func (c *tocCursor) get() []byte {
	return c.page[c.offset : c.offset+EntryLength]
}

func (c *tocCursor) advance() error {
	c.offset += EntryLength
	if c.offset == len(c.page) {
		c.pageIdx = uint32(int32(c.pageIdx) + c.dir)
		c.offset = 0
		page, err := c.fs.readPage(c.pageIdx)
		if err != nil {
			return err
		}
		c.page = page
	}
	return nil
}

// tocGeneration returns the committed generation number stored at pos,
// or corruptToC if the magic, version, or trailing CRC don't check out.
func (fs *FS) tocGeneration(pos tocPosition) uint32 {
	tocPage := uint32(0)
	if pos == backToC {
		tocPage = fs.pageCount - 1
	}

	cur, err := newTocCursor(fs, pos, tocPage)
	if err != nil {
		return corruptToC
	}

	header := decodeTocHeader(cur.get())
	if header.Magic != fsMagic || header.Version != fsVersion {
		return corruptToC
	}

	crc := crc32.Checksum(cur.get(), crcTable)

	for i := uint32(0); i < header.NumEntries; i++ {
		if cur.advance() != nil {
			return corruptToC
		}
		crc = crc32.Update(crc, crcTable, cur.get())
	}

	if cur.advance() != nil {
		return corruptToC
	}
	footer := decodeTocFooter(cur.get())
	if footer.Checksum != crc {
		return corruptToC
	}

	return header.Generation
}

// loadToC reads every file entry off the active ToC (pos/generation
// already chosen by the caller) into fs.files, skipping empty slots.
func (fs *FS) loadToC(pos tocPosition) error {
	tocPage := uint32(0)
	if pos == backToC {
		tocPage = fs.pageCount - 1
	}

	cur, err := newTocCursor(fs, pos, tocPage)
	if err != nil {
		return err
	}
	header := decodeTocHeader(cur.get())
	fs.numEntries = header.NumEntries

	fs.files = fs.files[:0]
	for i := uint32(0); i < fs.numEntries; i++ {
		if err := cur.advance(); err != nil {
			return err
		}
		entry := decodeTocFile(cur.get())
		if entry.isEmpty() {
			continue
		}
		fs.files = append(fs.files, &File{fs: fs, meta: entry})
	}
	return nil
}

// commitToC writes the full ToC (header, every file/empty slot, footer)
// to whichever of front/back is currently inactive and bumps the
// generation, leaving the previously-active copy untouched until the
// new one is durably written. If commitToC fails partway, the active
// generation/position fields are left unchanged, so a retry overwrites
// the same (now-suspect) inactive copy rather than touching the known
// good one.
func (fs *FS) commitToC() error {
	target := frontToC
	if fs.tocPosition == frontToC {
		target = backToC
	}
	targetGen := fs.generation + 1

	tocPageAddr := uint32(0)
	if target == backToC {
		tocPageAddr = fs.pageCount - 1
	}

	header := tocHeader{Magic: fsMagic, Version: fsVersion, NumEntries: fs.numEntries, Generation: targetGen}
	page := make([]byte, fs.pageSize)
	cursor := 0
	crc := uint32(0)

	writeRecord := func(rec []byte) error {
		if cursor == len(page) {
			if err := fs.writePage(tocPageAddr, page); err != nil {
				return err
			}
			tocPageAddr = uint32(int32(tocPageAddr) + int32(target))
			cursor = 0
		}
		crc = crc32.Update(crc, crcTable, rec)
		copy(page[cursor:cursor+EntryLength], rec)
		cursor += EntryLength
		return nil
	}

	if err := writeRecord(header.encode()); err != nil {
		return err
	}

	empty := tocFile{}.encode()
	for i := uint32(0); i < fs.numEntries; i++ {
		var rec []byte
		if int(i) < len(fs.files) {
			rec = fs.files[i].meta.encode()
		} else {
			rec = empty
		}
		if err := writeRecord(rec); err != nil {
			return err
		}
	}

	if cursor == len(page) {
		if err := fs.writePage(tocPageAddr, page); err != nil {
			return err
		}
		tocPageAddr = uint32(int32(tocPageAddr) + int32(target))
		cursor = 0
	}
	footer := tocFooter{Checksum: crc}
	copy(page[cursor:cursor+EntryLength], footer.encode())

	if err := fs.writePage(tocPageAddr, page); err != nil {
		return err
	}

	fs.generation = targetGen
	fs.tocPosition = target
	return nil
}
