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
	"io"

	"github.com/aamcrae/shm/logger"
)

// rxDrain delivers the packets of published receive slots to the upper
// layer and releases the slots. It returns true if the slot budget ran out.
func (c *Channel) rxDrain() bool {
	if !c.synced.Load() {
		return false
	}
	cb := c.ring.Control
	d := &c.ring.Rx
	total := d.SlotCount
	for shots := 0; ; shots++ {
		c.checkRxResume()
		wptr, rptr := cb.RxWrite(), cb.RxRead()
		if wptr >= total || rptr >= total {
			c.framingError("receive pointers %d/%d outside ring of %d slots", wptr, rptr, total)
			return false
		}
		if IsEmpty(wptr, rptr) {
			return false
		}
		if shots == c.cfg.MaxRxShots {
			c.stats.rxExhausted.Add(1)
			return true
		}
		slot := NextSlot(total, rptr)
		if !c.deliverSlot(slot) {
			c.rxFlow.localStopped.Store(true)
			c.stats.rxKeepPending.Add(1)
			c.rxTasklet.Load().ScheduleAfter(c.cfg.RxRetryDelay)
			return false
		}
		c.rxFlow.localStopped.Store(false)
		c.rxOffset = 0
		cb.SetRxRead(slot)
		c.stats.rxSlots.Add(1)
	}
}

// deliverSlot passes the packets of a slot to the upper layer, starting
// at rxOffset. It returns false if the upper layer kept a packet pending,
// in which case rxOffset is left at that packet. Malformed slots are
// logged and treated as delivered.
func (c *Channel) deliverSlot(slot int) bool {
	d := &c.ring.Rx
	buf := d.Slot(slot)
	d.Invalidate(buf)
	in, err := readSlot(buf, c.ring.Order)
	if err != nil {
		c.framingError("slot %d: %v", slot, err)
		return true
	}
	if c.rxOffset > 0 {
		if _, err := in.Seek(int64(c.rxOffset), io.SeekStart); err != nil {
			c.framingError("slot %d: resume at %d: %v", slot, c.rxOffset, err)
			return true
		}
	}
	for {
		offs := in.Len()
		pkt, err := in.NextPacket()
		if err == io.EOF {
			return true
		}
		if err != nil {
			c.framingError("slot %d: %v", slot, err)
			return true
		}
		if c.cb.DataRx(pkt) == KeepPending {
			c.rxOffset = offs
			return false
		}
		c.stats.rxPackets.Add(1)
		c.stats.rxBytes.Add(uint64(len(pkt)))
	}
}

// checkRxResume tells a stopped peer to resume once enough receive
// slots are free again.
func (c *Channel) checkRxResume() {
	if !c.rxFlow.peerStopped.Load() {
		return
	}
	cb := c.ring.Control
	d := &c.ring.Rx
	if FreeSlotsForProducer(cb.RxRead(), cb.RxWrite(), d.SlotCount) > d.LowWatermark {
		c.rxFlow.peerStopped.Store(false)
		c.rxFlow.resumed.Add(1)
		logger.Debugf("%s: resuming peer transmit", c.name)
		c.signal(c.cfg.Outbound.TxResumed)
	}
}

// framingError records a malformed slot. Logging is rate limited so a
// corrupted ring cannot flood the log.
func (c *Channel) framingError(format string, v ...interface{}) {
	c.stats.rxFramingErrors.Add(1)
	if c.framingLog.TakeAvailable(1) > 0 {
		logger.Noticef(c.name+": framing error: "+format, v...)
	}
}
