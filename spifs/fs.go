// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spifs

import (
	"sort"
	"strings"
	"sync"

	"github.com/gokernel/lk/block"
)

// FormatArgs configures Format. TocPages is the number of pages each ToC
// copy spans; the original defaults it to 1.
type FormatArgs struct {
	TocPages uint32
}

// FS is a mounted SPIFS volume: a flat file table backed by one
// block.BlockDevice, written log-structured with a dual front/back ToC.
// One mutex serializes every mutating operation, mirroring the
// original's single mutex_t per mount.
type FS struct {
	mu sync.Mutex

	dev           block.BlockDevice
	pageSize      uint32
	pageCount     uint32
	blocksPerPage uint32

	generation uint32
	numEntries uint32
	tocPosition tocPosition

	files []*File // ascending by PageIdx, including the front/back ToC pseudo-files
}

// devicePageInfo derives the page size (the device's erase unit, or its
// block size if it has no erase geometry) and page count, per
// get_device_page_info. Only uniform single-region erase geometry is
// supported, matching the original's ERR_NOT_SUPPORTED for anything else.
func devicePageInfo(dev block.BlockDevice) (pageSize, pageCount uint32, err error) {
	geom := dev.EraseGeometry()
	switch len(geom) {
	case 0:
		pageSize = uint32(dev.BlockSize())
	case 1:
		if geom[0].EraseSize%dev.BlockSize() != 0 {
			return 0, 0, ErrNotSupported
		}
		pageSize = uint32(geom[0].EraseSize)
	default:
		return 0, 0, ErrNotSupported
	}
	pageCount = uint32(dev.TotalSize() / int64(pageSize))
	return pageSize, pageCount, nil
}

// Format lays a fresh SPIFS volume onto dev: computes page geometry,
// reserves a flat ToC sized for every remaining page-aligned entry slot,
// registers the front/back ToC as pseudo-files, and commits both copies
// (so a freshly formatted volume is valid from either end).
func Format(dev block.BlockDevice, args *FormatArgs) error {
	if dev == nil {
		return ErrInvalidArgs
	}
	if args == nil {
		args = &FormatArgs{TocPages: 1}
	}

	pageSize, pageCount, err := devicePageInfo(dev)
	if err != nil {
		return err
	}
	if pageSize%EntryLength != 0 {
		return ErrNotSupported
	}
	if uint64(dev.TotalSize())%uint64(pageSize) != 0 {
		return ErrNotSupported
	}

	entriesPerPage := pageSize / EntryLength
	numEntries := args.TocPages * entriesPerPage
	if numEntries <= 4 {
		return ErrTooBig
	}
	numTocEntries := numEntries - 2

	fs := &FS{
		dev:           dev,
		pageSize:      pageSize,
		pageCount:     pageCount,
		blocksPerPage: pageSize / uint32(dev.BlockSize()),
		generation:    1,
		numEntries:    numTocEntries,
		tocPosition:   frontToC,
	}

	fToc := &File{fs: fs, meta: tocFile{
		PageIdx:  0,
		Length:   args.TocPages * pageSize,
		Capacity: args.TocPages * pageSize,
		Filename: frontTocLabel,
	}}
	bToc := &File{fs: fs, meta: tocFile{
		PageIdx:  pageCount - args.TocPages,
		Length:   args.TocPages * pageSize,
		Capacity: args.TocPages * pageSize,
		Filename: backTocLabel,
	}}
	fs.addAscending(fToc)
	fs.addAscending(bToc)

	if err := fs.commitToC(); err != nil {
		return err
	}
	return fs.commitToC()
}

// Mount reads the device's geometry and the higher-generation of its two
// ToCs into memory, failing with ErrCrcFail only if both are corrupt.
func Mount(dev block.BlockDevice) (*FS, error) {
	pageSize, pageCount, err := devicePageInfo(dev)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		dev:           dev,
		pageSize:      pageSize,
		pageCount:     pageCount,
		blocksPerPage: pageSize / uint32(dev.BlockSize()),
	}

	fGen := fs.tocGeneration(frontToC)
	bGen := fs.tocGeneration(backToC)
	if fGen == corruptToC && bGen == corruptToC {
		return nil, ErrCrcFail
	}

	fs.tocPosition = frontToC
	fs.generation = fGen
	if bGen > fGen {
		fs.tocPosition = backToC
		fs.generation = bGen
	}

	if err := fs.loadToC(fs.tocPosition); err != nil {
		return nil, err
	}
	if !fs.consistent() {
		return nil, ErrBadState
	}
	return fs, nil
}

// consistent reports whether every file's [PageIdx, PageIdx+pages) run is
// disjoint from (and precedes) the next file's, per the original's
// consistency_check.
func (fs *FS) consistent() bool {
	for i := 0; i+1 < len(fs.files); i++ {
		cur, next := fs.files[i].meta, fs.files[i+1].meta
		curPages := cur.Capacity / fs.pageSize
		curEnd := cur.PageIdx + curPages - 1
		if next.PageIdx <= curEnd {
			return false
		}
	}
	return true
}

// addAscending inserts f into fs.files keeping PageIdx order, matching
// spifs_add_ascending.
func (fs *FS) addAscending(f *File) {
	idx := sort.Search(len(fs.files), func(i int) bool { return fs.files[i].meta.PageIdx > f.meta.PageIdx })
	fs.files = append(fs.files, nil)
	copy(fs.files[idx+1:], fs.files[idx:])
	fs.files[idx] = f
}

// findOpenRun returns the first page index with at least requestedLength
// contiguous free bytes after some file's run and before the next
// file's, or (0, false) if none fits — mirrors find_open_run.
func (fs *FS) findOpenRun(requestedLength uint32) (uint32, bool) {
	for i, f := range fs.files {
		pages := f.meta.Capacity / fs.pageSize
		endPage := f.meta.PageIdx + pages
		if i+1 == len(fs.files) {
			return 0, false
		}
		next := fs.files[i+1]
		availablePages := next.meta.PageIdx - endPage
		availableBytes := availablePages * fs.pageSize
		if availableBytes >= requestedLength {
			return endPage, true
		}
	}
	return 0, false
}

func isReservedName(name string) bool {
	return name == frontTocLabel || name == backTocLabel
}

func trimName(name string) string {
	return strings.TrimLeft(name, "/")
}

func (fs *FS) find(name string) *File {
	for _, f := range fs.files {
		if isReservedName(f.meta.Filename) {
			continue
		}
		if f.meta.Filename == name {
			return f
		}
	}
	return nil
}

// roundUpPage rounds n up to a multiple of the page size.
func (fs *FS) roundUpPage(n uint32) uint32 {
	if n%fs.pageSize == 0 {
		return n
	}
	return n + (fs.pageSize - n%fs.pageSize)
}

// Create allocates capacity for a new file of logical length len,
// reserving a whole-page-aligned run found by findOpenRun, erasing it,
// and committing the updated ToC. A len of 0 still reserves one page,
// matching the original (a zero-length file can still be written into
// without a second allocation).
func (fs *FS) Create(name string, length uint64) (*File, error) {
	name = trimName(name)
	if strings.Contains(name, "/") {
		return nil, ErrNotSupported
	}
	if len(name) == 0 || len(name) >= MaxFilenameLength {
		return nil, ErrBadPath
	}
	if isReservedName(name) {
		return nil, ErrNotSupported
	}
	if length > 0xFFFFFFFF {
		return nil, ErrTooBig
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.find(name) != nil {
		return nil, ErrAlreadyExists
	}
	if uint32(len(fs.files)) >= fs.numEntries {
		return nil, ErrTooBig
	}

	capacity := fs.pageSize
	if length != 0 {
		capacity = fs.roundUpPage(uint32(length))
	}

	openRun, ok := fs.findOpenRun(capacity)
	if !ok {
		return nil, ErrTooBig
	}

	if err := fs.dev.Erase(int64(openRun)*int64(fs.pageSize), int64(capacity)); err != nil {
		return nil, ErrIo
	}

	file := &File{fs: fs, meta: tocFile{
		PageIdx:  openRun,
		Length:   uint32(length),
		Capacity: capacity,
		Filename: name,
	}}
	fs.addAscending(file)

	if err := fs.commitToC(); err != nil {
		fs.removeFromList(file)
		return nil, ErrIo
	}
	return file, nil
}

// Open looks up an existing file by name.
func (fs *FS) Open(name string) (*File, error) {
	name = trimName(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if isReservedName(name) {
		return nil, ErrNotSupported
	}
	file := fs.find(name)
	if file == nil {
		return nil, ErrNotFound
	}
	return file, nil
}

func (fs *FS) removeFromList(target *File) {
	for i, f := range fs.files {
		if f == target {
			fs.files = append(fs.files[:i], fs.files[i+1:]...)
			return
		}
	}
}

// Remove deletes a file and commits the updated ToC.
func (fs *FS) Remove(name string) error {
	name = trimName(name)
	if isReservedName(name) {
		return ErrNotSupported
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	file := fs.find(name)
	if file == nil {
		return ErrNotFound
	}
	fs.removeFromList(file)
	return fs.commitToC()
}

// Readdir lists every name in the volume, the front/back ToC pseudo-files
// first, followed by real files in on-disk (ascending page) order.
func (fs *FS) Readdir() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files))
	for _, f := range fs.files {
		if isReservedName(f.meta.Filename) {
			names = append(names, f.meta.Filename)
		}
	}
	for _, f := range fs.files {
		if !isReservedName(f.meta.Filename) {
			names = append(names, f.meta.Filename)
		}
	}
	return names
}

// Trim reclaims the run of unused pages between the last real file (or,
// with no real files, the front ToC) and the back ToC: it erases that
// span and re-commits the ToC, mirroring the original console command's
// trim handler. fs.files always carries the front/back ToC as ordinary
// ascending-PageIdx entries for gap accounting, so the back ToC is never
// itself the file Trim reclaims space from.
func (fs *FS) Trim() (reclaimedPages uint32, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var frontEnd, backStart, lastRealEnd uint32
	haveBack := false
	for _, f := range fs.files {
		end := f.meta.PageIdx + f.meta.Capacity/fs.pageSize
		switch f.meta.Filename {
		case frontTocLabel:
			frontEnd = end
		case backTocLabel:
			backStart = f.meta.PageIdx
			haveBack = true
		default:
			if end > lastRealEnd {
				lastRealEnd = end
			}
		}
	}
	if !haveBack {
		return 0, nil
	}
	lastEnd := lastRealEnd
	if lastEnd < frontEnd {
		lastEnd = frontEnd
	}
	if backStart <= lastEnd {
		return 0, nil
	}

	trailing := backStart - lastEnd
	off := int64(lastEnd) * int64(fs.pageSize)
	length := int64(trailing) * int64(fs.pageSize)
	if err := fs.dev.Erase(off, length); err != nil {
		return 0, ErrIo
	}
	if err := fs.commitToC(); err != nil {
		return 0, ErrIo
	}
	return trailing, nil
}
