// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spifs

import (
	"fmt"
	"testing"

	"github.com/gokernel/lk/block"
)

func newTestDevice(t *testing.T) block.BlockDevice {
	t.Helper()
	geom := []block.EraseRegion{{Start: 0, Length: 64 * 1024, EraseSize: 4096}}
	dev, err := block.NewMemDevice("spifs-test", 64*1024, 512, geom)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestFormatMountRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	names := fs.Readdir()
	if len(names) != 2 || names[0] != frontTocLabel || names[1] != backTocLabel {
		t.Fatalf("got %v, want only the two toc pseudo-files", names)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create("hello.txt", 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, err := f.Write(0, []byte("hello")); err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)
	if n, err := f.Read(0, buf); err != nil || n != 5 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}

	fs2, err := Mount(dev)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	f2, err := fs2.Open("hello.txt")
	if err != nil {
		t.Fatalf("reopen after remount: %v", err)
	}
	if f2.Size() != 5 {
		t.Fatalf("got size %d after remount", f2.Size())
	}
}

func TestWriteSpansMultiplePages(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create("big.bin", 8192)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := f.Write(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 8192)
	if _, err := f.Read(0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Fatalf("mismatch at byte %d: got %x want %x", i, buf[i], data[i])
		}
	}
}

func TestWriteBeyondCapacityFails(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fs.Create("small.bin", 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(0, make([]byte, int(f.Capacity())+1)); err != ErrOutOfRange {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestTruncateCannotGrow(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fs.Create("f.bin", 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(200); err != ErrInvalidArgs {
		t.Fatalf("got %v, want ErrInvalidArgs growing via truncate", err)
	}
	if err := f.Truncate(10); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if f.Size() != 10 {
		t.Fatalf("got size %d", f.Size())
	}
}

// TestGapReuseAfterRemove is scenario S4: removing a file frees its page
// run for reuse by a later Create of a similarly-sized file.
func TestGapReuseAfterRemove(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}

	a, err := fs.Create("a.bin", 4096)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	aPage := a.meta.PageIdx

	if err := fs.Remove("a.bin"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	b, err := fs.Create("b.bin", 4096)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if b.meta.PageIdx != aPage {
		t.Fatalf("expected b to reuse a's page run %d, got %d", aPage, b.meta.PageIdx)
	}
}

// TestTrimReclaimsSpaceBetweenLastFileAndBackToC exercises the gap Trim
// reports and erases: the last real file leaves a trailing run before the
// back ToC, Trim erases it, and the file itself must still open with its
// size after a remount.
func TestTrimReclaimsSpaceBetweenLastFileAndBackToC(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Create("a.bin", 4096); err != nil {
		t.Fatalf("create: %v", err)
	}

	reclaimed, err := fs.Trim()
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if reclaimed == 0 {
		t.Fatalf("expected Trim to reclaim trailing pages, got 0")
	}

	remounted, err := Mount(dev)
	if err != nil {
		t.Fatalf("remount after trim: %v", err)
	}
	f, err := remounted.Open("a.bin")
	if err != nil {
		t.Fatalf("reopen after trim: %v", err)
	}
	if f.Size() != 4096 {
		t.Fatalf("got size %d after trim", f.Size())
	}

	if reclaimed, err := fs.Trim(); err != nil || reclaimed != 0 {
		t.Fatalf("second trim: reclaimed=%d err=%v, want 0/nil", reclaimed, err)
	}
}

// TestTrimIsNoOpWithNoTrailingSpace covers the case the old implementation
// got right for the wrong reason: when every page between the front ToC
// and the back ToC is already in use, Trim reclaims nothing.
func TestTrimIsNoOpWithNoTrailingSpace(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 14; i++ {
		name := fmt.Sprintf("f%d.bin", i)
		if _, err := fs.Create(name, 4096); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	reclaimed, err := fs.Trim()
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("got reclaimed=%d, want 0 with no trailing gap", reclaimed)
	}
}

// failAfterNDevice wraps a BlockDevice and fails every WriteAt after the
// Nth call (Erase passes through to the wrapped device), modeling the original's "write went through or
// it didn't, never half of both ToCs" power-fail story (scenario S3):
// a commitToC that fails partway must leave the previously-active ToC
// copy untouched and readable.
type failAfterNDevice struct {
	block.BlockDevice
	callsLeft int
}

func (d *failAfterNDevice) WriteAt(off int64, p []byte) error {
	if d.callsLeft <= 0 {
		return ErrIo
	}
	d.callsLeft--
	return d.BlockDevice.WriteAt(off, p)
}

func TestPowerFailDuringCommitPreservesActiveToC(t *testing.T) {
	dev := newTestDevice(t)
	if err := Format(dev, nil); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}
	activeGenBefore := fs.generation
	activePosBefore := fs.tocPosition

	failing := &failAfterNDevice{BlockDevice: dev, callsLeft: 0}
	fs.dev = failing

	if _, err := fs.Create("willfail.bin", 100); err == nil {
		t.Fatalf("expected commit to fail with the write path cut off")
	}

	fs.dev = dev
	if fs.generation != activeGenBefore || fs.tocPosition != activePosBefore {
		t.Fatalf("in-memory generation/position advanced despite failed commit")
	}

	remounted, err := Mount(dev)
	if err != nil {
		t.Fatalf("remount after failed commit: %v", err)
	}
	if remounted.generation != activeGenBefore {
		t.Fatalf("on-disk generation changed despite failed commit: got %d want %d", remounted.generation, activeGenBefore)
	}
}
