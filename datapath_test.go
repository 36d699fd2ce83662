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

package shm_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	. "gopkg.in/check.v1"

	"github.com/aamcrae/shm"
	"github.com/aamcrae/shm/logger"
)

// fixture is a polled channel and its peer sharing one region.
type fixture struct {
	region *shm.Region
	layout shm.Layout
	cfg    *shm.Config
	events *fakeEvents
	reg    *shm.Registry
	ch     *shm.Channel
	rec    *recorder
	peer   *shm.Peer
}

func newFixture(c *C, count, slotSize int, cfg *shm.Config) *fixture {
	f := &fixture{
		layout: shm.DefaultLayout(count*slotSize, count*slotSize),
		cfg:    cfg.SlotSizes(slotSize, slotSize).SetPolling(true),
		events: newFakeEvents(),
		reg:    shm.NewRegistry(),
		rec:    &recorder{},
	}
	f.region = shm.NewRegion(f.layout.Size())
	return f
}

// start creates, opens and synchronizes the channel.
func (f *fixture) start(c *C) *fixture {
	var err error
	f.ch, err = f.reg.Create("test", f.region, f.layout, f.cfg, f.events)
	c.Assert(err, IsNil)
	f.peer, err = shm.NewPeer(f.region, f.layout, f.cfg, f.events)
	c.Assert(err, IsNil)
	c.Assert(f.ch.Open(f.rec), IsNil)
	f.reg.LinkStatusChanged(shm.LinkUp)
	return f
}

func (f *fixture) close() {
	f.peer.Close()
	f.reg.Close()
}

func (f *fixture) control() *shm.ControlBlock {
	return f.ch.Ring().Control
}

type datapathSuite struct {
	logbuf  *bytes.Buffer
	restore func()
}

var _ = Suite(&datapathSuite{})

func (s *datapathSuite) SetUpTest(c *C) {
	s.logbuf, s.restore = logger.MockLogger()
}

func (s *datapathSuite) TearDownTest(c *C) {
	s.restore()
}

func (s *datapathSuite) TestPackSmallPackets(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	for i := 0; i < 3; i++ {
		c.Assert(f.ch.Enqueue(packet(byte(i*16), 10), shm.PriorityDefault), IsNil)
	}
	c.Check(f.ch.TxScheduled(), Equals, true)
	c.Check(f.ch.DrainTx(), Equals, false)

	c.Check(f.control().TxWrite(), Equals, 1)
	c.Check(f.events.count(f.cfg.Outbound.PacketAvailable), Equals, 1)
	slot := f.ch.Ring().Tx.Slot(1)
	c.Check(binary.NativeEndian.Uint16(slot), Equals, uint16(3*shm.PaddedSize(10)))

	st := f.ch.Stats()
	c.Check(st.Tx.Packets, Equals, uint64(3))
	c.Check(st.Tx.Bytes, Equals, uint64(30))
	c.Check(st.Tx.Slots, Equals, uint64(1))
	c.Check(st.Tx.Piggybacked, Equals, uint64(2))

	c.Check(f.peer.Receive(), DeepEquals, [][]byte{packet(0, 10), packet(16, 10), packet(32, 10)})
	c.Check(f.control().TxRead(), Equals, 1)
}

func (s *datapathSuite) TestOversizePacketRejected(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	err := f.ch.Enqueue(packet(0, 60), shm.PriorityDefault)
	c.Check(errors.Is(err, shm.ErrPacketTooLarge), Equals, true)
	// The largest packet that fits is accepted.
	c.Check(f.ch.Enqueue(packet(0, fullSlot(64)), shm.PriorityDefault), IsNil)

	st := f.ch.Stats()
	c.Check(st.Tx.Oversize, Equals, uint64(1))
	c.Check(st.Tx.QueueLen, DeepEquals, []int{0, 1})
}

func (s *datapathSuite) TestTransmitStopAndResume(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	n := fullSlot(64)
	for i := 0; i < 4; i++ {
		c.Assert(f.ch.Enqueue(packet(byte(i), n), shm.PriorityDefault), IsNil)
	}
	c.Check(f.ch.DrainTx(), Equals, false)

	cb := f.control()
	c.Check(cb.TxWrite(), Equals, 3)
	c.Check(cb.APFlags()&shm.FlowTxStopped, Equals, uint32(shm.FlowTxStopped))
	c.Check(f.rec.txStop, Equals, 1)
	c.Check(f.events.count(f.cfg.Outbound.TxStopped), Equals, 1)
	c.Check(f.events.count(f.cfg.Outbound.PacketAvailable), Equals, 1)
	st := f.ch.Stats()
	c.Check(st.Tx.QueueLen, DeepEquals, []int{0, 1})
	c.Check(st.Tx.Flow.LocalStopped, Equals, true)
	c.Check(st.Tx.Flow.StoppedCount, Equals, uint64(1))
	c.Check(f.ch.TxScheduled(), Equals, false)

	// A further pass while stopped reports nothing new.
	c.Check(f.ch.DrainTx(), Equals, false)
	c.Check(f.rec.txStop, Equals, 1)
	c.Check(cb.TxWrite(), Equals, 3)

	// The peer drains the ring and signals resume.
	c.Check(f.peer.Receive(), HasLen, 3)
	c.Check(f.events.count(f.cfg.Inbound.TxResumed), Equals, 1)
	c.Check(f.ch.TxScheduled(), Equals, true)

	c.Check(f.ch.DrainTx(), Equals, false)
	c.Check(f.rec.txResume, Equals, 1)
	c.Check(cb.APFlags()&shm.FlowTxStopped, Equals, uint32(0))
	c.Check(cb.TxWrite(), Equals, 0)
	c.Check(f.peer.Receive(), DeepEquals, [][]byte{packet(3, n)})

	st = f.ch.Stats()
	c.Check(st.Tx.Flow.LocalStopped, Equals, false)
	c.Check(st.Tx.Flow.ResumedCount, Equals, uint64(1))
}

func (s *datapathSuite) TestMalformedSlotSkipped(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	cb := f.control()
	slot := f.ch.Ring().Rx.Slot(1)
	binary.NativeEndian.PutUint16(slot, 64)
	cb.SetRxWrite(1)

	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(cb.RxRead(), Equals, 1)
	c.Check(f.rec.received(), HasLen, 0)
	c.Check(f.ch.Stats().Rx.FramingErrors, Equals, uint64(1))
	c.Check(s.logbuf.String(), Matches, `(?s).*test: framing error: slot 1: slot length 64 exceeds capacity 56.*`)

	// Following slots are still delivered.
	n, err := f.peer.Send(packet(1, 5))
	c.Assert(err, IsNil)
	c.Check(n, Equals, 1)
	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.rec.received(), DeepEquals, [][]byte{packet(1, 5)})
	c.Check(cb.RxRead(), Equals, 2)
}

func (s *datapathSuite) TestLinkDownDiscardsQueued(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	for i := 0; i < 3; i++ {
		c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	}
	f.reg.LinkStatusChanged(shm.LinkDown)

	c.Check(f.rec.linkDown, Equals, 1)
	c.Check(f.ch.LinkUp(), Equals, false)
	st := f.ch.Stats()
	c.Check(st.Tx.QueueLen, DeepEquals, []int{0, 0})
	c.Check(st.Tx.Dropped, Equals, uint64(3))
	c.Check(s.logbuf.String(), Matches, `(?s).*test: link down, 3 queued packets discarded.*`)

	// Packets queued while down are discarded too.
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityHigh), IsNil)
	c.Check(f.ch.Stats().Tx.Dropped, Equals, uint64(4))
	c.Check(f.ch.DrainTx(), Equals, false)
	c.Check(f.control().TxWrite(), Equals, 0)

	// A repeated link down is ignored.
	f.reg.LinkStatusChanged(shm.LinkDown)
	c.Check(f.rec.linkDown, Equals, 1)
}

func (s *datapathSuite) TestLinkUpResetsControlBlock(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Check(f.rec.linkUp, Equals, 1)
	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	f.ch.DrainTx()
	cb := f.control()
	cb.SetRxWrite(2)
	cb.SetCPFlags(shm.FlowTxStopped)
	c.Check(cb.TxWrite(), Equals, 1)

	f.reg.LinkStatusChanged(shm.LinkDown)
	f.reg.LinkStatusChanged(shm.LinkUp)
	c.Check(f.rec.linkUp, Equals, 2)
	c.Check(cb.TxWrite(), Equals, 0)
	c.Check(cb.TxRead(), Equals, 0)
	c.Check(cb.RxWrite(), Equals, 0)
	c.Check(cb.RxRead(), Equals, 0)
	c.Check(cb.APFlags(), Equals, uint32(0))
	c.Check(cb.CPFlags(), Equals, uint32(0))
	c.Check(f.ch.TxScheduled(), Equals, true)
	c.Check(f.ch.RxScheduled(), Equals, true)
}

func (s *datapathSuite) TestTransmitRoundTrip(c *C) {
	f := newFixture(c, 8, 256, shm.NewConfig()).start(c)
	defer f.close()

	var sent [][]byte
	for i := 1; i <= 20; i++ {
		pkt := packet(byte(i), (i*7)%50+1)
		sent = append(sent, pkt)
		c.Assert(f.ch.Enqueue(pkt, shm.PriorityDefault), IsNil)
	}
	c.Check(f.ch.DrainTx(), Equals, false)
	c.Check(f.peer.Receive(), DeepEquals, sent)
	c.Check(f.ch.Stats().Tx.Packets, Equals, uint64(20))
}

func (s *datapathSuite) TestReceiveRoundTrip(c *C) {
	f := newFixture(c, 8, 256, shm.NewConfig()).start(c)
	defer f.close()

	var sent [][]byte
	for i := 1; i <= 20; i++ {
		sent = append(sent, packet(byte(i), (i*11)%60+1))
	}
	n, err := f.peer.Send(sent...)
	c.Assert(err, IsNil)
	c.Check(n, Equals, 20)
	c.Check(f.ch.RxScheduled(), Equals, true)

	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.rec.received(), DeepEquals, sent)
	cb := f.control()
	c.Check(cb.RxRead(), Equals, cb.RxWrite())
	st := f.ch.Stats()
	c.Check(st.Rx.Packets, Equals, uint64(20))
	c.Check(st.Rx.PendingSlots, Equals, 0)
}

func (s *datapathSuite) TestHighPriorityFirst(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Assert(f.ch.Enqueue(packet(0xA0, 10), shm.PriorityDefault), IsNil)
	c.Assert(f.ch.Enqueue(packet(0xB0, 10), shm.PriorityDefault), IsNil)
	c.Assert(f.ch.Enqueue(packet(0xC0, 10), shm.PriorityHigh), IsNil)
	f.ch.DrainTx()

	c.Check(f.peer.Receive(), DeepEquals, [][]byte{packet(0xC0, 10), packet(0xA0, 10), packet(0xB0, 10)})
}

func (s *datapathSuite) TestEmptyPackets(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Assert(f.ch.Enqueue(nil, shm.PriorityDefault), IsNil)
	c.Assert(f.ch.Enqueue([]byte{}, shm.PriorityDefault), IsNil)
	c.Assert(f.ch.Enqueue(packet(1, 10), shm.PriorityDefault), IsNil)
	c.Check(f.ch.DrainTx(), Equals, false)

	c.Check(f.control().TxWrite(), Equals, 1)
	c.Check(f.ch.Stats().Tx.QueueLen, DeepEquals, []int{0, 0})
	c.Check(f.ch.Stats().Tx.Packets, Equals, uint64(3))
	c.Check(f.peer.Receive(), DeepEquals, [][]byte{{}, {}, packet(1, 10)})
}

func (s *datapathSuite) TestEmptyPacketKeepsPriorityOrder(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Assert(f.ch.Enqueue(nil, shm.PriorityHigh), IsNil)
	c.Assert(f.ch.Enqueue(packet(2, 10), shm.PriorityHigh), IsNil)
	c.Assert(f.ch.Enqueue(packet(3, 10), shm.PriorityDefault), IsNil)
	f.ch.DrainTx()

	c.Check(f.ch.Stats().Tx.QueueLen, DeepEquals, []int{0, 0})
	c.Check(f.peer.Receive(), DeepEquals, [][]byte{{}, packet(2, 10), packet(3, 10)})
}

func (s *datapathSuite) TestDefaultWatermarkReservesSlots(c *C) {
	f := newFixture(c, 8, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Assert(f.ch.SetWatermark(shm.PriorityDefault, 2), IsNil)
	c.Check(f.ch.Watermark(shm.PriorityDefault), Equals, 2)
	c.Check(f.ch.Watermark(shm.PriorityHigh), Equals, 0)
	c.Check(f.ch.SetWatermark(shm.PriorityDefault, 8), ErrorMatches, ".*watermark 8 out of range")
	// At most 7 slots of 8 are ever free.
	c.Check(f.ch.SetWatermark(shm.PriorityDefault, 7), ErrorMatches, ".*watermark 7 out of range")
	c.Check(f.ch.Watermark(shm.PriorityDefault), Equals, 2)

	n := fullSlot(64)
	for i := 0; i < 7; i++ {
		c.Assert(f.ch.Enqueue(packet(byte(i), n), shm.PriorityDefault), IsNil)
	}
	f.ch.DrainTx()
	cb := f.control()
	c.Check(cb.TxWrite(), Equals, 5)
	c.Check(shm.FreeSlotsForProducer(cb.TxRead(), cb.TxWrite(), 8), Equals, 2)
	// Held back by the watermark rather than stopped.
	c.Check(f.rec.txStop, Equals, 0)
	c.Check(f.ch.TxScheduled(), Equals, true)

	// High priority traffic may use the reserved slots.
	c.Assert(f.ch.Enqueue(packet(0xF0, n), shm.PriorityHigh), IsNil)
	f.ch.DrainTx()
	c.Check(cb.TxWrite(), Equals, 6)
	c.Check(f.ch.Stats().Tx.QueueLen, DeepEquals, []int{0, 2})
}

func (s *datapathSuite) TestKeepPendingResumesAtPacket(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	f.rec.keep = func(pkt []byte) bool { return pkt[0] == 0x20 }
	_, err := f.peer.Send(packet(0x10, 10), packet(0x20, 10), packet(0x30, 10))
	c.Assert(err, IsNil)

	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.rec.received(), DeepEquals, [][]byte{packet(0x10, 10)})
	c.Check(f.control().RxRead(), Equals, 0)
	c.Check(f.ch.RxOffset(), Equals, shm.PaddedSize(10))
	c.Check(f.ch.RxScheduled(), Equals, true)
	st := f.ch.Stats()
	c.Check(st.Rx.KeepPending, Equals, uint64(1))
	c.Check(st.Rx.Flow.LocalStopped, Equals, true)

	f.rec.mu.Lock()
	f.rec.keep = nil
	f.rec.mu.Unlock()
	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.rec.received(), DeepEquals, [][]byte{packet(0x10, 10), packet(0x20, 10), packet(0x30, 10)})
	c.Check(f.control().RxRead(), Equals, 1)
	c.Check(f.ch.RxOffset(), Equals, 0)
	c.Check(f.ch.Stats().Rx.Flow.LocalStopped, Equals, false)
}

func (s *datapathSuite) TestPeerStoppedIsResumed(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	n := fullSlot(64)
	sent, err := f.peer.Send(packet(1, n), packet(2, n), packet(3, n), packet(4, n))
	c.Assert(err, IsNil)
	c.Check(sent, Equals, 3)
	c.Check(f.peer.Stalled(), Equals, true)
	c.Check(f.control().CPFlags(), Equals, uint32(shm.FlowTxStopped))
	st := f.ch.Stats()
	c.Check(st.Rx.Flow.PeerStopped, Equals, true)
	c.Check(st.Rx.Flow.StoppedCount, Equals, uint64(1))

	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.rec.received(), HasLen, 3)
	c.Check(f.events.count(f.cfg.Outbound.TxResumed), Equals, 1)
	c.Check(f.peer.Stalled(), Equals, false)
	c.Check(f.control().CPFlags(), Equals, uint32(0))
	st = f.ch.Stats()
	c.Check(st.Rx.Flow.PeerStopped, Equals, false)
	c.Check(st.Rx.Flow.ResumedCount, Equals, uint64(1))

	sent, err = f.peer.Send(packet(4, n))
	c.Assert(err, IsNil)
	c.Check(sent, Equals, 1)
	f.ch.DrainRx()
	c.Check(f.rec.received(), HasLen, 4)
}

func (s *datapathSuite) TestSlotBudget(c *C) {
	f := newFixture(c, 8, 64, shm.NewConfig().Shots(2, 2)).start(c)
	defer f.close()

	n := fullSlot(64)
	for i := 0; i < 4; i++ {
		c.Assert(f.ch.Enqueue(packet(byte(i), n), shm.PriorityDefault), IsNil)
	}
	c.Check(f.ch.DrainTx(), Equals, true)
	c.Check(f.control().TxWrite(), Equals, 2)
	c.Check(f.ch.TxScheduled(), Equals, true)
	c.Check(f.ch.Stats().Tx.Exhausted, Equals, uint64(1))
	c.Check(f.ch.DrainTx(), Equals, false)
	c.Check(f.control().TxWrite(), Equals, 4)

	_, err := f.peer.Send(packet(1, n), packet(2, n), packet(3, n))
	c.Assert(err, IsNil)
	c.Check(f.ch.DrainRx(), Equals, true)
	c.Check(f.control().RxRead(), Equals, 2)
	c.Check(f.ch.RxScheduled(), Equals, true)
	c.Check(f.ch.DrainRx(), Equals, false)
	c.Check(f.control().RxRead(), Equals, 3)
	c.Check(f.rec.received(), HasLen, 3)
}

func (s *datapathSuite) TestOpenClose(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Check(f.ch.State(), Equals, shm.Opened)
	c.Check(f.ch.Open(f.rec), Equals, shm.ErrAlreadyOpen)
	c.Check(f.events.bound(f.cfg.Inbound.PacketAvailable), Equals, true)

	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Check(f.ch.Close(), IsNil)
	c.Check(f.ch.State(), Equals, shm.Idle)
	c.Check(f.events.bound(f.cfg.Inbound.PacketAvailable), Equals, false)
	st := f.ch.Stats()
	c.Check(st.Tx.Dropped, Equals, uint64(2))
	c.Check(st.Tx.QueueLen, DeepEquals, []int{0, 0})

	c.Check(f.ch.Close(), Equals, shm.ErrNotOpen)
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), Equals, shm.ErrNotOpen)
	c.Check(f.ch.Enqueue(packet(0, 60), shm.PriorityDefault), Equals, shm.ErrNotOpen)
	c.Check(f.ch.Enqueue(packet(0, 10), shm.Priority(5)), Equals, shm.ErrNotOpen)
	c.Check(f.ch.Stats().Tx.Oversize, Equals, uint64(0))
	c.Check(f.ch.DrainTx(), Equals, false)

	// Reopening keeps the link state.
	c.Assert(f.ch.Open(f.rec), IsNil)
	c.Check(f.ch.LinkUp(), Equals, true)
	c.Check(f.ch.TxScheduled(), Equals, true)
	c.Assert(f.ch.Enqueue(packet(5, 10), shm.PriorityDefault), IsNil)
	f.ch.DrainTx()
	c.Check(f.peer.Receive(), DeepEquals, [][]byte{packet(5, 10)})
}

func (s *datapathSuite) TestEnqueueBeforeLinkUp(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig())
	ch, err := f.reg.Create("test", f.region, f.layout, f.cfg, f.events)
	c.Assert(err, IsNil)
	defer f.reg.Close()
	c.Assert(ch.Open(f.rec), IsNil)

	c.Check(ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Check(ch.Stats().Tx.Dropped, Equals, uint64(1))
	c.Check(ch.Stats().Tx.QueueLen, DeepEquals, []int{0, 0})
	c.Check(ch.Enqueue(packet(0, 10), shm.Priority(5)), ErrorMatches, "invalid priority 5")
}

func (s *datapathSuite) TestQueueLimit(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig().QueueLimit(2)).start(c)
	defer f.close()

	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), Equals, shm.ErrQueueFull)
	// Each priority has its own queue.
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityHigh), IsNil)
	c.Check(f.ch.Stats().Tx.QueueFull, Equals, uint64(1))

	f.ch.SetMaxQueueLen(0)
	c.Check(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	c.Check(f.ch.Stats().Tx.QueueLen, DeepEquals, []int{1, 3})
}

func (s *datapathSuite) TestCacheMaintenance(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig().SetCacheable(true))
	cc := &countingCache{}
	f.region.SetCacheMaintainer(cc)
	f.start(c)
	defer f.close()

	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	f.ch.DrainTx()
	c.Check(cc.flushes, Equals, 1)
	f.peer.Receive()
	c.Check(cc.invalidates, Equals, 1)

	_, err := f.peer.Send(packet(0, 10))
	c.Assert(err, IsNil)
	c.Check(cc.flushes, Equals, 2)
	f.ch.DrainRx()
	c.Check(cc.invalidates, Equals, 2)
	c.Check(f.ch.Description(), Equals, "test: opened, link up, tx 4 x 64 bytes, rx 4 x 64 bytes, cacheable")
}

func (s *datapathSuite) TestNoCacheMaintenanceWhenCoherent(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig())
	cc := &countingCache{}
	f.region.SetCacheMaintainer(cc)
	f.start(c)
	defer f.close()

	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	f.ch.DrainTx()
	f.peer.Receive()
	c.Check(cc.flushes, Equals, 0)
	c.Check(cc.invalidates, Equals, 0)
}

func (s *datapathSuite) TestWaitTxIdleCancelled(c *C) {
	f := newFixture(c, 4, 64, shm.NewConfig()).start(c)
	defer f.close()

	c.Check(f.ch.WaitTxIdle(context.Background()), IsNil)

	c.Assert(f.ch.Enqueue(packet(0, 10), shm.PriorityDefault), IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Check(f.ch.WaitTxIdle(ctx), Equals, context.Canceled)
}

type backgroundSuite struct{}

var _ = Suite(&backgroundSuite{})

func (*backgroundSuite) TestEcho(c *C) {
	layout := shm.DefaultLayout(8*256, 8*256)
	region := shm.NewRegion(layout.Size())
	cfg := shm.NewConfig().SlotSizes(256, 256).Delays(time.Millisecond, time.Millisecond)
	ic := shm.NewIntc()
	defer ic.Close()

	reg := shm.NewRegistry()
	defer reg.Close()
	ch, err := reg.Create("bg", region, layout, cfg, ic)
	c.Assert(err, IsNil)
	peer, err := shm.NewPeer(region, layout, cfg, ic)
	c.Assert(err, IsNil)
	defer peer.Close()

	var mu sync.Mutex
	var got [][]byte
	peer.Start(func(pkt []byte) {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
	})

	rec := &recorder{}
	c.Assert(ch.Open(rec), IsNil)
	defer ch.Close()
	reg.LinkStatusChanged(shm.LinkUp)

	var sent [][]byte
	for i := 0; i < 100; i++ {
		pkt := packet(byte(i), 20+i%40)
		sent = append(sent, pkt)
		prio := shm.PriorityDefault
		if i%10 == 0 {
			prio = shm.PriorityHigh
		}
		c.Assert(ch.Enqueue(pkt, prio), IsNil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(ch.WaitTxIdle(ctx), IsNil)

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == len(sent) || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	c.Assert(got, HasLen, len(sent))
	c.Check(ch.Stats().Tx.Packets, Equals, uint64(len(sent)))
}
