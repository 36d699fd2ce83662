// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shm

import (
	"github.com/aamcrae/shm/logger"
)

// peekTx returns the head packet of the highest priority queue
// that has packets queued.
func (c *Channel) peekTx() (Priority, []byte, bool) {
	for p := PriorityHigh; p < NumPriorities; p++ {
		if pkt, ok := c.queues[p].peek(); ok {
			return p, pkt, true
		}
	}
	return 0, nil, false
}

// txDrain copies queued packets into transmit slots. Small packets are
// packed into the slot currently open, and a slot is published by
// advancing the write pointer once no further packet fits or the queues
// are empty. It returns true if the slot budget ran out.
func (c *Channel) txDrain() bool {
	if !c.synced.Load() {
		if n := c.purgeTx(); n > 0 {
			logger.Debugf("%s: link down, discarded %d packets", c.name, n)
		}
		return false
	}
	cb := c.ring.Control
	d := &c.ring.Tx
	total := d.SlotCount
	wptr := cb.TxWrite()

	var resumed, stopped, exhausted bool
	if c.txFlow.localStopped.Load() && FreeSlotsForProducer(cb.TxRead(), wptr, total) > d.LowWatermark {
		c.txFlow.localStopped.Store(false)
		c.txFlow.resumed.Add(1)
		cb.SetAPFlags(cb.APFlags() &^ FlowTxStopped)
		resumed = true
	}

	var (
		out       *slotIO
		outSlot   int
		shots     int
		published int
	)
	publish := func() {
		out.Finish()
		d.Flush(out.Data[:SlotHeaderSize+out.Len()])
		// The peer may read the slot from this point.
		cb.SetTxWrite(outSlot)
		published++
		out = nil
	}
	for {
		prio, pkt, ok := c.peekTx()
		if !ok {
			break
		}
		if out != nil && PaddedSize(len(pkt)) <= out.Remaining() {
			// Fill the open slot, whatever the watermark.
			c.queues[prio].pop()
			out.WritePacket(pkt)
			c.stats.txPiggybacked.Add(1)
			c.countTx(pkt)
			continue
		}
		free := FreeSlotsForProducer(cb.TxRead(), wptr, total)
		if free == 0 {
			if !c.txFlow.localStopped.Load() {
				c.txFlow.localStopped.Store(true)
				c.txFlow.stopped.Add(1)
				cb.SetAPFlags(cb.APFlags() | FlowTxStopped)
				stopped = true
			}
			break
		}
		if free <= int(c.watermark[prio].Load()) {
			break
		}
		if shots == c.cfg.MaxTxShots {
			exhausted = true
			break
		}
		if out != nil {
			publish()
		}
		outSlot = NextSlot(total, wptr)
		wptr = outSlot
		out = openSlot(d.Slot(outSlot), c.ring.Order)
		shots++
		c.queues[prio].pop()
		out.WritePacket(pkt)
		c.countTx(pkt)
	}
	if out != nil {
		publish()
	}
	c.stats.txSlots.Add(uint64(published))
	if published > 0 {
		c.signal(c.cfg.Outbound.PacketAvailable)
	}
	tl := c.txTasklet.Load()
	if stopped {
		logger.Debugf("%s: transmit ring full, stopping", c.name)
		c.signal(c.cfg.Outbound.TxStopped)
		c.cb.TxStop()
		// The peer may have freed slots before it saw the stop flag.
		if FreeSlotsForProducer(cb.TxRead(), wptr, total) > 0 {
			tl.Schedule()
		}
	}
	if resumed {
		logger.Debugf("%s: transmit resumed", c.name)
		c.cb.TxResume()
	}
	if exhausted {
		c.stats.txExhausted.Add(1)
		return true
	}
	if !c.txFlow.localStopped.Load() && c.queued() > 0 {
		// Held back by a priority watermark; poll until slots free up.
		tl.ScheduleAfter(c.cfg.TxDelay)
	}
	return false
}

func (c *Channel) countTx(pkt []byte) {
	c.stats.txPackets.Add(1)
	c.stats.txBytes.Add(uint64(len(pkt)))
}
