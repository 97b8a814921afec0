// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ahci

import (
	"context"
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// ATA IDENTIFY DEVICE command and the word offsets this driver reads out
// of its 512-byte response, per ATA8-ACS and mirrored from
// ahci_disk::identify in the original driver.
const (
	ataCmdIdentifyDevice = 0xec

	wordLBA48Supported      = 83  // bit 10
	wordLogicalSectorCount  = 100 // 4 consecutive words, 64-bit LE (only low 48 bits meaningful)
	wordPhysToLogicalSector = 106 // bit 12: device has multiple logical sectors per physical; bit 13: logical sector size > 256 words
	wordLogicalSectorSize   = 117 // 2 consecutive words, 32-bit LE, valid only if word106 bit13 set
)

const identifyBufLen = 512

// Disk is the logical disk built on top of a probed Port. It records what
// IDENTIFY DEVICE reports (sector count, sector sizes, LBA48 support); it
// has no read/write methods and does not implement block.BlockDevice.
type Disk struct {
	port *Port

	sectorCount       uint64
	logicalSectorSize uint32
	physicalSectorSize uint32
	lba48             bool
}

// transport abstracts submitting an IDENTIFY command and getting back the
// raw 512-byte response, so Identify can be exercised against a mocked
// controller (scenario S5) without a real Port/PRDT round trip.
type transport interface {
	Identify(ctx context.Context) ([]byte, error)
}

// portTransport issues IDENTIFY DEVICE through a live Port.
type portTransport struct {
	port *Port
}

func (t *portTransport) Identify(ctx context.Context) ([]byte, error) {
	buf := make([]byte, identifyBufLen)
	prdt, err := BuildPRDT(uintptr(unsafe.Pointer(&buf[0])), len(buf))
	if err != nil {
		return nil, err
	}
	cmd := Command{FIS: buildIdentifyFIS(), PRDT: prdt}
	if err := t.port.QueueCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return buf, nil
}

func buildIdentifyFIS() []byte {
	fis := make([]byte, 20)
	fis[0] = 0x27 // H2D register FIS
	fis[1] = 1 << 7
	fis[2] = ataCmdIdentifyDevice
	return fis
}

// OpenDisk wraps port as a Disk and runs Identify against it.
func OpenDisk(ctx context.Context, port *Port) (*Disk, error) {
	d := &Disk{port: port}
	if err := d.identifyVia(ctx, &portTransport{port: port}); err != nil {
		return nil, err
	}
	return d, nil
}

// identifyVia runs the IDENTIFY parse against any transport, letting
// tests supply a mock that returns a canned buffer (scenario S5) without
// standing up a full Port/Registers/memphys stack.
func (d *Disk) identifyVia(ctx context.Context, t transport) error {
	buf, err := t.Identify(ctx)
	if err != nil {
		return errors.Wrap(err, "ahci: identify")
	}
	if len(buf) < identifyBufLen {
		return errors.Wrap(ErrIo, "ahci: short identify response")
	}
	words := make([]uint16, identifyBufLen/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}

	d.lba48 = words[wordLBA48Supported]&(1<<10) != 0

	d.logicalSectorSize = 512
	d.physicalSectorSize = 512
	if words[wordPhysToLogicalSector]&(1<<13) != 0 {
		sz := uint32(words[wordLogicalSectorSize]) | uint32(words[wordLogicalSectorSize+1])<<16
		if sz != 0 {
			d.logicalSectorSize = sz * 2 // reported in 16-bit words
		}
	}
	if words[wordPhysToLogicalSector]&(1<<12) != 0 {
		shift := words[wordPhysToLogicalSector] & 0xf
		d.physicalSectorSize = d.logicalSectorSize << shift
	} else {
		d.physicalSectorSize = d.logicalSectorSize
	}

	var count uint64
	for i := 0; i < 4; i++ {
		count |= uint64(words[wordLogicalSectorCount+i]) << (16 * i)
	}
	if !d.lba48 {
		// Without LBA48 the addressable sector count is words 60-61.
		count = uint64(words[60]) | uint64(words[61])<<16
	}
	d.sectorCount = count

	return nil
}

func (d *Disk) SectorCount() uint64        { return d.sectorCount }
func (d *Disk) LogicalSectorSize() uint32  { return d.logicalSectorSize }
func (d *Disk) PhysicalSectorSize() uint32 { return d.physicalSectorSize }
func (d *Disk) SupportsLBA48() bool        { return d.lba48 }
