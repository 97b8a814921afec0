// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ahci

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Command describes one ATA command to submit to a slot.
type Command struct {
	FIS    []byte // host-to-device register FIS, pre-built by the caller
	PRDT   []PRD
	Write  bool
}

// findFreeSlotLocked scans the pending bitmap lowest-index-first and
// returns the first clear bit. The original driver's comment proposed
// `__builtin_clz(~cmd_pending)`, whose result is undefined once
// cmd_pending is all ones (no free slot); scanning low-to-bit avoids that
// undefined case entirely and returns ErrNotFound once every slot is
// occupied. Caller holds p.mu.
func (p *Port) findFreeSlotLocked() (int, error) {
	for i := 0; i < p.numSlots; i++ {
		if p.cmdPending&(1<<uint(i)) == 0 {
			return i, nil
		}
	}
	return 0, errors.Wrap(ErrNotFound, "ahci: no free command slot")
}

// QueueCommand allocates a slot, programs its command header/table from
// cmd, rings the doorbell (PxCI), and blocks until the slot's completion
// channel fires or ctx is cancelled. The semaphore bounds outstanding
// submissions at numSlots so callers block here rather than spinning on
// findFreeSlotLocked when the port is saturated.
func (p *Port) QueueCommand(ctx context.Context, cmd Command) error {
	if len(cmd.PRDT) > MaxPRDTRuns {
		return ErrNotEnoughBuffer
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "ahci: waiting for a free slot")
	}
	defer p.gate.Release(1)

	p.mu.Lock()
	idx, err := p.findFreeSlotLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.cmdPending |= 1 << uint(idx)
	p.slots[idx].pending = true
	done := p.slots[idx].done
	p.mu.Unlock()

	p.programSlot(idx, cmd)
	p.ring(idx)

	return p.waitForCompletion(ctx, idx, done)
}

// ring sets the slot's bit in PxCI, signaling the HBA to process it.
func (p *Port) ring(idx int) {
	ci := p.regs.Read(PxCI)
	p.regs.Write(PxCI, ci|(1<<uint(idx)))
}

// commandFISSlots is the command FIS area at the front of a command
// table (AHCI 1.3.1 §4.2.2); the PRDT follows at offset 128.
const (
	commandFISAreaSize = 64
	prdtOffset         = 128
	prdtEntrySize      = 16
)

// programSlot writes cmd's FIS and PRDT into the slot's command table and
// fills in the command header (FIS length, write direction, PRDT entry
// count, command table base address), mirroring ahci_port::queue_command
// building a command_t in the mmap-backed region that stands in for
// DMA-visible memory.
func (p *Port) programSlot(idx int, cmd Command) {
	mem := p.mem.Bytes()
	base := p.mem.CommandListPA()

	headerOff := idx * CmdHeaderSize
	header := mem[headerOff : headerOff+CmdHeaderSize]

	tablePA := p.mem.CommandTablePA(idx)
	tableOff := int(tablePA - base)
	table := mem[tableOff : tableOff+CmdTableSize]

	n := copy(table[:commandFISAreaSize], cmd.FIS)
	for i := n; i < commandFISAreaSize; i++ {
		table[i] = 0
	}

	for i, prd := range cmd.PRDT {
		e := table[prdtOffset+i*prdtEntrySize : prdtOffset+(i+1)*prdtEntrySize]
		binary.LittleEndian.PutUint32(e[0:4], uint32(prd.PA))
		binary.LittleEndian.PutUint32(e[4:8], uint32(prd.PA>>32))
		binary.LittleEndian.PutUint32(e[8:12], 0) // reserved
		dw3 := prd.Length - 1                     // byte count minus one
		if i == len(cmd.PRDT)-1 {
			dw3 |= 1 << 31 // interrupt on completion for the final entry
		}
		binary.LittleEndian.PutUint32(e[12:16], dw3)
	}

	const cfl = uint32(20 / 4) // H2D register FIS is 20 bytes (5 DWORDS)
	dw0 := cfl
	if cmd.Write {
		dw0 |= 1 << 6 // W: direction is host-to-device
	}
	dw0 |= uint32(len(cmd.PRDT)) << 16 // PRDTL
	binary.LittleEndian.PutUint32(header[0:4], dw0)
	binary.LittleEndian.PutUint32(header[4:8], 0) // PRD byte count, filled in by the HBA
	binary.LittleEndian.PutUint32(header[8:12], uint32(tablePA))
	binary.LittleEndian.PutUint32(header[12:16], uint32(tablePA>>32))
}

// waitForCompletion blocks for the slot's done signal (posted by
// irqHandler on a matching PxIS/PxCI transition) or ctx's deadline,
// mirroring ahci_port::wait_for_completion. Either way the slot is
// released back to the pending bitmap before returning, and on ctx
// expiry any late completion signal is drained so a subsequent reuse of
// the slot doesn't observe a stale done.
func (p *Port) waitForCompletion(ctx context.Context, idx int, done chan struct{}) error {
	select {
	case <-done:
		p.releaseSlot(idx)
		if tfd := p.regs.Read(PxTFD); tfd&(tfdErr|tfdBsy) == tfdErr {
			return errors.Wrap(ErrIo, "ahci: device reported an error")
		}
		return nil
	case <-ctx.Done():
		p.releaseSlot(idx)
		select {
		case <-done:
		default:
		}
		return errors.Wrap(ErrTimeout, "ahci: command timed out")
	}
}

// releaseSlot clears idx's pending bit so a future findFreeSlotLocked can
// reuse it, regardless of whether the command completed or timed out.
func (p *Port) releaseSlot(idx int) {
	p.mu.Lock()
	p.cmdPending &^= 1 << uint(idx)
	p.slots[idx].pending = false
	p.mu.Unlock()
}

// completeSlot is invoked by the IRQ handler when slot idx retires.
func (p *Port) completeSlot(idx int) {
	p.mu.Lock()
	done := p.slots[idx].done
	p.mu.Unlock()
	select {
	case done <- struct{}{}:
	default:
	}
}

// defaultTimeout bounds QueueCommand callers that don't supply their own
// context deadline (e.g. tests exercising scenario S5 against a mock).
const defaultTimeout = 5 * time.Second
