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
	"fmt"
	"strings"
	"sync/atomic"
)

// FlowControlState is the flow control state of one direction.
// For transmit, LocalStopped is set while the transmit ring is full.
// For receive, PeerStopped is set while the peer waits for free slots
// and LocalStopped while the upper layer keeps a packet pending.
type FlowControlState struct {
	LocalStopped bool   `yaml:"local-stopped"`
	PeerStopped  bool   `yaml:"peer-stopped"`
	StoppedCount uint64 `yaml:"stopped-count"`
	ResumedCount uint64 `yaml:"resumed-count"`
}

type counters struct {
	txPackets     atomic.Uint64
	txBytes       atomic.Uint64
	txSlots       atomic.Uint64
	txPiggybacked atomic.Uint64
	txDropped     atomic.Uint64
	txOversize    atomic.Uint64
	txQueueFull   atomic.Uint64
	txExhausted   atomic.Uint64

	rxPackets       atomic.Uint64
	rxBytes         atomic.Uint64
	rxSlots         atomic.Uint64
	rxFramingErrors atomic.Uint64
	rxKeepPending   atomic.Uint64
	rxExhausted     atomic.Uint64

	events atomic.Uint64
}

// TxStats contains the transmit statistics of a channel.
type TxStats struct {
	Packets     uint64 `yaml:"packets"`
	Bytes       uint64 `yaml:"bytes"`
	Slots       uint64 `yaml:"slots"`
	Piggybacked uint64 `yaml:"piggybacked"`
	Dropped     uint64 `yaml:"dropped"`
	Oversize    uint64 `yaml:"oversize"`
	QueueFull   uint64 `yaml:"queue-full"`
	Exhausted   uint64 `yaml:"budget-exhausted"`

	QueueLen   []int `yaml:"queue-len,flow"`
	Watermarks []int `yaml:"watermarks,flow"`

	WritePtr  int              `yaml:"write-ptr"`
	ReadPtr   int              `yaml:"read-ptr"`
	FreeSlots int              `yaml:"free-slots"`
	Flow      FlowControlState `yaml:"flow"`
}

// RxStats contains the receive statistics of a channel.
type RxStats struct {
	Packets       uint64 `yaml:"packets"`
	Bytes         uint64 `yaml:"bytes"`
	Slots         uint64 `yaml:"slots"`
	FramingErrors uint64 `yaml:"framing-errors"`
	KeepPending   uint64 `yaml:"keep-pending"`
	Exhausted     uint64 `yaml:"budget-exhausted"`

	WritePtr     int              `yaml:"write-ptr"`
	ReadPtr      int              `yaml:"read-ptr"`
	PendingSlots int              `yaml:"pending-slots"`
	Flow         FlowControlState `yaml:"flow"`
}

// Stats is a snapshot of the state and counters of a channel.
type Stats struct {
	Name   string  `yaml:"name"`
	State  string  `yaml:"state"`
	LinkUp bool    `yaml:"link-up"`
	Events uint64  `yaml:"events"`
	Tx     TxStats `yaml:"tx"`
	Rx     RxStats `yaml:"rx"`
}

// Stats returns a snapshot of the channel statistics.
func (c *Channel) Stats() Stats {
	s := Stats{
		Name:   c.name,
		State:  c.State().String(),
		LinkUp: c.synced.Load(),
		Events: c.stats.events.Load(),
		Tx: TxStats{
			Packets:     c.stats.txPackets.Load(),
			Bytes:       c.stats.txBytes.Load(),
			Slots:       c.stats.txSlots.Load(),
			Piggybacked: c.stats.txPiggybacked.Load(),
			Dropped:     c.stats.txDropped.Load(),
			Oversize:    c.stats.txOversize.Load(),
			QueueFull:   c.stats.txQueueFull.Load(),
			Exhausted:   c.stats.txExhausted.Load(),
			Flow:        c.txFlow.snapshot(),
		},
		Rx: RxStats{
			Packets:       c.stats.rxPackets.Load(),
			Bytes:         c.stats.rxBytes.Load(),
			Slots:         c.stats.rxSlots.Load(),
			FramingErrors: c.stats.rxFramingErrors.Load(),
			KeepPending:   c.stats.rxKeepPending.Load(),
			Exhausted:     c.stats.rxExhausted.Load(),
			Flow:          c.rxFlow.snapshot(),
		},
	}
	for p := PriorityHigh; p < NumPriorities; p++ {
		s.Tx.QueueLen = append(s.Tx.QueueLen, c.queues[p].len())
		s.Tx.Watermarks = append(s.Tx.Watermarks, c.Watermark(p))
	}
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	cb := c.ring.Control
	s.Tx.WritePtr, s.Tx.ReadPtr = cb.TxWrite(), cb.TxRead()
	s.Tx.FreeSlots = FreeSlotsForProducer(s.Tx.ReadPtr, s.Tx.WritePtr, c.ring.Tx.SlotCount)
	s.Rx.WritePtr, s.Rx.ReadPtr = cb.RxWrite(), cb.RxRead()
	s.Rx.PendingSlots = FreeSlotsForConsumer(s.Rx.WritePtr, s.Rx.ReadPtr, c.ring.Rx.SlotCount)
	return s
}

// Description returns a human readable string describing the channel
func (c *Channel) Description() string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s: %s", c.name, c.State())
	if c.synced.Load() {
		fmt.Fprint(&s, ", link up")
	} else {
		fmt.Fprint(&s, ", link down")
	}
	c.ringMu.RLock()
	fmt.Fprintf(&s, ", tx %s, rx %s", &c.ring.Tx, &c.ring.Rx)
	if c.ring.Tx.Cacheable {
		fmt.Fprint(&s, ", cacheable")
	}
	c.ringMu.RUnlock()
	return s.String()
}
