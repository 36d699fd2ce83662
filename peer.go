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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"
)

// Peer is the far end of a channel: it consumes the local transmit ring
// and produces into the local receive ring, following the same slot
// format and flow control protocol. It stands in for the CP when both
// ends run on the same host, e.g. for testing or loopback tools.
type Peer struct {
	ring    Ring
	events  EventChannel
	in, out EventSet

	// mu serialises Send and Receive.
	mu sync.Mutex
	// localStopped is set while Send is stalled on a full ring.
	localStopped atomic.Bool
	// apStopped is set when the local side reported its transmit stalled.
	apStopped atomic.Bool

	t       tomb.Tomb
	kick    chan struct{}
	running bool
}

// NewPeer binds a peer to the same region, layout and configuration as
// the local channel, and binds the peer's events.
func NewPeer(region *Region, l Layout, cfg *Config, events EventChannel) (*Peer, error) {
	p := &Peer{
		events: events,
		in:     cfg.Outbound,
		out:    cfg.Inbound,
		kick:   make(chan struct{}, 1),
	}
	if err := p.ring.Bind(region, l, cfg); err != nil {
		return nil, err
	}
	handlers := []struct {
		id EventID
		f  func()
	}{
		{p.in.TxStopped, func() { p.apStopped.Store(true); p.wake() }},
		{p.in.TxResumed, p.resumed},
		{p.in.PacketAvailable, p.wake},
	}
	for i, h := range handlers {
		if err := events.BindEvent(h.id, h.f); err != nil {
			for _, b := range handlers[:i] {
				events.UnbindEvent(b.id)
			}
			return nil, fmt.Errorf("peer: %w", err)
		}
	}
	return p, nil
}

// Start runs a loop that passes received packets to handler whenever
// the local side publishes slots.
func (p *Peer) Start(handler func(pkt []byte)) {
	p.running = true
	p.t.Go(func() error {
		for {
			select {
			case <-p.t.Dying():
				return nil
			case <-p.kick:
			}
			for _, pkt := range p.Receive() {
				handler(pkt)
			}
		}
	})
}

// Close stops the loop and unbinds the peer's events.
func (p *Peer) Close() error {
	if p.running {
		p.t.Kill(nil)
		p.t.Wait()
		p.running = false
	}
	var err error
	for _, id := range []EventID{p.in.TxStopped, p.in.TxResumed, p.in.PacketAvailable} {
		if uerr := p.events.UnbindEvent(id); err == nil {
			err = uerr
		}
	}
	return err
}

// Stalled returns true while Send is waiting for free slots.
func (p *Peer) Stalled() bool {
	return p.localStopped.Load()
}

func (p *Peer) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Peer) resumed() {
	if p.localStopped.Swap(false) {
		p.ring.Control.SetCPFlags(0)
	}
}

// Receive consumes all published transmit slots and returns copies of
// their packets in order. Malformed slots are skipped.
func (p *Peer) Receive() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb := p.ring.Control
	d := &p.ring.Tx
	var pkts [][]byte
	for {
		wptr, rptr := cb.TxWrite(), cb.TxRead()
		if IsEmpty(wptr, rptr) {
			break
		}
		slot := NextSlot(d.SlotCount, rptr)
		buf := d.Slot(slot)
		d.Invalidate(buf)
		if in, err := readSlot(buf, p.ring.Order); err == nil {
			for {
				pkt, err := in.NextPacket()
				if err != nil {
					break
				}
				pkts = append(pkts, bytes.Clone(pkt))
			}
		}
		cb.SetTxRead(slot)
	}
	stopped := p.apStopped.Load() || cb.APFlags()&FlowTxStopped != 0
	if stopped && FreeSlotsForProducer(cb.TxRead(), cb.TxWrite(), d.SlotCount) > d.LowWatermark {
		p.apStopped.Store(false)
		p.events.SignalEvent(p.out.TxResumed)
	}
	return pkts
}

// Send packs packets into receive slots and publishes them. If the ring
// fills up, the peer stops, reports it to the local side and returns
// the number of packets sent.
func (p *Peer) Send(pkts ...[]byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb := p.ring.Control
	d := &p.ring.Rx
	wptr := cb.RxWrite()
	var (
		out       *slotIO
		outSlot   int
		sent      int
		published int
		stopped   bool
		err       error
	)
	publish := func() {
		out.Finish()
		d.Flush(out.Data[:SlotHeaderSize+out.Len()])
		cb.SetRxWrite(outSlot)
		published++
		out = nil
	}
	for _, pkt := range pkts {
		if PaddedSize(len(pkt)) > d.Capacity() {
			err = fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(pkt))
			break
		}
		if out == nil || PaddedSize(len(pkt)) > out.Remaining() {
			if FreeSlotsForProducer(cb.RxRead(), wptr, d.SlotCount) == 0 {
				if !p.localStopped.Swap(true) {
					cb.SetCPFlags(FlowTxStopped)
					stopped = true
				}
				break
			}
			if out != nil {
				publish()
			}
			outSlot = NextSlot(d.SlotCount, wptr)
			wptr = outSlot
			out = openSlot(d.Slot(outSlot), p.ring.Order)
		}
		out.WritePacket(pkt)
		sent++
	}
	if out != nil {
		publish()
	}
	if published > 0 {
		p.events.SignalEvent(p.out.PacketAvailable)
	}
	if stopped {
		p.events.SignalEvent(p.out.TxStopped)
	}
	return sent, err
}
