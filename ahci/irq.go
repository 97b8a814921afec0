// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ahci

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Controller owns every probed Port on one AHCI HBA and demultiplexes
// its single host-level IRQ line across them, mirroring the original
// driver's controller-level irq_handler that walks PxIS per port.
type Controller struct {
	Ports []*Port
}

// HandleIRQ runs each port's irqHandler concurrently via an errgroup, the
// Go-idiomatic equivalent of the original's per-port interrupt fan-out
// inside a single ISR: on real hardware the handler runs on one CPU with
// interrupts masked, but the per-port work is independent once dispatched,
// so modeling it as a bounded fan-out exercises the same "every port gets
// serviced once per IRQ" contract without serializing unrelated ports.
func (c *Controller) HandleIRQ(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, port := range c.Ports {
		port := port
		g.Go(func() error {
			return port.irqHandler(ctx)
		})
	}
	return g.Wait()
}

// irqHandler demuxes this port's pending completions: any slot whose bit
// in cmd_pending is no longer set in PxCI has retired.
func (p *Port) irqHandler(ctx context.Context) error {
	is := p.regs.Read(PxIS) & p.regs.Read(PxIE)
	if is == 0 {
		return nil
	}
	p.regs.Write(PxIS, is)

	ci := p.regs.Read(PxCI)
	p.mu.Lock()
	pending := p.cmdPending
	p.mu.Unlock()

	for i := 0; i < p.numSlots; i++ {
		bit := uint32(1) << uint(i)
		if pending&bit != 0 && ci&bit == 0 {
			p.completeSlot(i)
		}
	}
	return nil
}
