// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ahci implements the AHCI port command-slot state machine: probe,
// PRDT construction from a virtual buffer, command submission, completion
// waiting, and IRQ demultiplexing, per spec.md §4.6. It is the exemplar
// driver model the rest of the tree's drivers follow.
package ahci

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gokernel/lk/internal/memphys"
)

// Sentinel errors, spec.md §7.
var (
	ErrNotFound       = errors.New("ahci: not found")
	ErrInvalidArgs    = errors.New("ahci: invalid arguments")
	ErrNotEnoughBuffer = errors.New("ahci: prdt runs exceed capacity")
	ErrIo             = errors.New("ahci: device error")
	ErrTimeout        = errors.New("ahci: command timed out")
)

// MaxSlots is the largest number of command slots a port may report.
const MaxSlots = 32

// MaxPRDTRuns is the maximum number of physical runs describable in one
// command's PRDT.
const MaxPRDTRuns = 16

// MaxPRDTRunLength is the largest byte length a single PRDT entry can
// describe (4 MiB, per spec.md §4.6).
const MaxPRDTRunLength = 4 * 1024 * 1024

// Registers is the MMIO register window of one AHCI port. A real driver
// would back this with volatile MMIO loads/stores through the
// architecture port; here it is an injectable interface so the state
// machine can be exercised against a mock controller (scenario S5).
type Registers interface {
	Read(reg PortReg) uint32
	Write(reg PortReg, val uint32)
}

// PortReg enumerates the subset of per-port AHCI registers this driver
// touches.
type PortReg int

const (
	PxCLB PortReg = iota
	PxCLBU
	PxFB
	PxFBU
	PxIS
	PxIE
	PxCMD
	PxTFD
	PxSIG
	PxSSTS
	PxSACT
	PxCI
)

// CMD bits within PxCMD.
const (
	cmdST  = 1 << 0
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15
)

// IE bits: the interrupts this driver unmasks (spec.md §4.6).
const (
	ieDHRS = 1 << 0 // Device to Host Register FIS
	iePSS  = 1 << 1 // PIO setup FIS
	ieDSS  = 1 << 2 // DMA setup FIS
	ieSDBS = 1 << 3 // Set device bits
	ieDPS  = 1 << 5 // Descriptor processed
)

const unmaskedInterrupts = ieDHRS | iePSS | ieDSS | ieSDBS | ieDPS

// PxTFD (task file data) status bits waitForCompletion inspects to turn a
// device-reported error into ErrIo.
const (
	tfdErr = 1 << 0
	tfdBsy = 1 << 7
)

// Command-structure sizes, mirrored from memphys' defaults (AHCI 1.3.1 §4.2).
const (
	CmdHeaderSize       = memphys.CmdHeaderSizeDefault
	FisReceiveAreaSize  = memphys.FisReceiveAreaDefault
	CmdTableSize        = memphys.CmdTableSizeDefault
)

// non-disk SATA signatures probe() filters out.
const (
	sigATAPI        = 0xeb140101 // optical drive
	sigEnclosure    = 0xc33c0101
	sigPortMultiplier = 0x96690101
)

// slot is one of up to 32 in-flight command contexts.
type slot struct {
	pending bool
	done    chan struct{}
}

// Port is one AHCI port's state machine. A spinlock (mu) protects slot
// allocation and the pending bitmap, matching spec.md §5's "one
// spin-lock per port".
type Port struct {
	regs Registers
	mem  memphys.Region // command list + FIS + per-slot tables

	mu          sync.Mutex
	numSlots    int
	cmdPending  uint32 // bitmap: slots submitted but not yet retired by wait_for_completion
	slots       []slot
	gate        *semaphore.Weighted // caps outstanding submissions at numSlots
}

// ProbeResult reports what Probe found.
type ProbeResult struct {
	Present bool
}

// Probe runs the sequence of spec.md §4.6: mask interrupts, clear pending
// status, check device presence/PHY state, filter known non-disk
// signatures, stop the command engine, allocate the command region, wire
// the port's registers at it, restart the engine, and unmask the handled
// interrupts.
func Probe(regs Registers, numSlots int, allocator memphys.Allocator) (*Port, error) {
	if numSlots <= 0 || numSlots > MaxSlots {
		numSlots = MaxSlots
	}

	regs.Write(PxIE, 0)
	regs.Write(PxIS, 0xffffffff)

	ssts := regs.Read(PxSSTS)
	if det := ssts & 0xf; det != 3 {
		return nil, errors.Wrap(ErrNotFound, "ahci: no device / phy not established")
	}
	if ipm := (ssts >> 8) & 0xf; ipm != 1 {
		return nil, errors.Wrap(ErrNotFound, "ahci: interface not active")
	}

	sig := regs.Read(PxSIG)
	switch sig {
	case sigATAPI, sigEnclosure, sigPortMultiplier:
		return nil, errors.Wrap(ErrNotFound, "ahci: non-disk signature")
	}

	cmdReg := regs.Read(PxCMD)
	cmdReg &^= cmdFRE | cmdST
	regs.Write(PxCMD, cmdReg)
	for regs.Read(PxCMD)&cmdFR != 0 {
	}
	for regs.Read(PxCMD)&cmdCR != 0 {
	}

	size := numSlots*CmdHeaderSize + FisReceiveAreaSize + numSlots*CmdTableSize
	region, err := allocator.Alloc(size)
	if err != nil {
		return nil, errors.Wrap(ErrNotFound, "ahci: command region allocation failed")
	}

	p := &Port{
		regs:     regs,
		mem:      region,
		numSlots: numSlots,
		slots:    make([]slot, numSlots),
		gate:     semaphore.NewWeighted(int64(numSlots)),
	}
	for i := range p.slots {
		p.slots[i].done = make(chan struct{}, 1)
	}

	clbPA, fbPA := region.CommandListPA(), region.FisReceivePA()
	regs.Write(PxCLB, uint32(clbPA))
	regs.Write(PxCLBU, uint32(clbPA>>32))
	regs.Write(PxFB, uint32(fbPA))
	regs.Write(PxFBU, uint32(fbPA>>32))

	for i := 0; i < numSlots; i++ {
		region.SetCommandTablePA(i, region.CommandTablePA(i))
	}

	cmdReg |= cmdFRE
	regs.Write(PxCMD, cmdReg)
	cmdReg |= cmdST
	regs.Write(PxCMD, cmdReg)

	regs.Write(PxIE, unmaskedInterrupts)

	return p, nil
}
