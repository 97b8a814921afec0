// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import "sync"

// CookieTable hands out small integer handles for open FileHandles, the
// same "translate a Go object into an opaque integer a caller holds
// across calls" job the teacher's HandleMap does for inode/file
// pointers exposed to the kernel — simplified here since nothing outside
// this process ever sees the handle, so the unsafe-pointer encoding
// trick the teacher uses to survive a kernel round-trip buys nothing.
type CookieTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]FileHandle
}

// NewCookieTable returns an empty CookieTable. Handle 0 is never
// issued, so callers can use it as a "no handle" sentinel.
func NewCookieTable() *CookieTable {
	return &CookieTable{next: 1, entries: make(map[uint64]FileHandle)}
}

// Register allocates a fresh cookie for fh.
func (t *CookieTable) Register(fh FileHandle) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.entries[id] = fh
	return id
}

// Lookup resolves a cookie back to its FileHandle, or reports ok=false
// if it was never issued or has already been forgotten.
func (t *CookieTable) Lookup(cookie uint64) (fh FileHandle, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh, ok = t.entries[cookie]
	return fh, ok
}

// Forget releases a cookie, returning the FileHandle it pointed to (or
// nil if it wasn't registered).
func (t *CookieTable) Forget(cookie uint64) FileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh := t.entries[cookie]
	delete(t.entries, cookie)
	return fh
}

// Count reports how many cookies are currently outstanding.
func (t *CookieTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
