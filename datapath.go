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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"gopkg.in/retry.v1"

	"github.com/aamcrae/shm/logger"
)

// Priority is the transmit priority class of a packet.
// Lower values are sent first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityDefault
	NumPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityDefault:
		return "default"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// RxResult is returned by the receive callback.
type RxResult int

const (
	// Delivered consumes the packet.
	Delivered RxResult = iota
	// KeepPending leaves the packet in the ring to be offered again later.
	KeepPending
)

// Callbacks is implemented by the layer above the transport.
// The callbacks are invoked from the channel's drain context and must
// not block, nor call Close or the registry notification methods.
type Callbacks interface {
	// DataRx receives one packet. The slice refers to shared memory
	// and is only valid until DataRx returns.
	DataRx(payload []byte) RxResult
	// TxStop reports that the transmit ring is full.
	TxStop()
	// TxResume reports that transmit slots are available again.
	TxResume()
	// LinkUp reports that the peer is synchronized.
	LinkUp()
	// LinkDown reports that the peer is gone. Queued packets were discarded.
	LinkDown()
}

// State is the lifecycle state of a channel.
type State int32

const (
	Idle State = iota
	Opening
	Opened
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Opened:
		return "opened"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// flowState is the flow control state of one direction.
type flowState struct {
	localStopped atomic.Bool
	peerStopped  atomic.Bool
	stopped      atomic.Uint64
	resumed      atomic.Uint64
}

func (f *flowState) reset() {
	f.localStopped.Store(false)
	f.peerStopped.Store(false)
}

func (f *flowState) snapshot() FlowControlState {
	return FlowControlState{
		LocalStopped: f.localStopped.Load(),
		PeerStopped:  f.peerStopped.Load(),
		StoppedCount: f.stopped.Load(),
		ResumedCount: f.resumed.Load(),
	}
}

// txQueue is a FIFO of packets of one priority.
type txQueue struct {
	mu   sync.Mutex
	pkts [][]byte
}

// peek returns the head packet, which may be empty or nil.
func (q *txQueue) peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return nil, false
	}
	return q.pkts[0], true
}

func (q *txQueue) pop() {
	q.mu.Lock()
	q.pkts[0] = nil
	q.pkts = q.pkts[1:]
	q.mu.Unlock()
}

func (q *txQueue) purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pkts)
	q.pkts = nil
	return n
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

// Channel moves packets to and from the peer over one pair of rings.
type Channel struct {
	name   string
	cfg    *Config
	events EventChannel

	// mu serialises the lifecycle operations.
	mu sync.Mutex
	// ringMu guards replacement of the ring against readers outside the
	// drains. The drains are disabled while the ring is replaced.
	ringMu sync.RWMutex
	ring   Ring
	cb    Callbacks
	state atomic.Int32
	// synced is set while the peer link is up.
	synced atomic.Bool

	queues    [NumPriorities]txQueue
	watermark [NumPriorities]atomic.Int32
	// capacity is the payload capacity of a transmit slot.
	capacity atomic.Int32
	maxQueue atomic.Int32

	txTasklet atomic.Pointer[tasklet]
	rxTasklet atomic.Pointer[tasklet]

	txFlow flowState
	rxFlow flowState
	// rxOffset is the payload offset of the next packet to deliver from
	// the slot following the read pointer. Owned by the RX drain.
	rxOffset int

	framingLog *ratelimit.Bucket
	stats      counters
}

// newChannel creates an idle channel bound to the region.
func newChannel(name string, region *Region, l Layout, cfg *Config, events EventChannel) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Channel{
		name:       name,
		cfg:        cfg,
		events:     events,
		framingLog: ratelimit.NewBucketWithRate(10, 10),
	}
	if err := c.ring.Bind(region, l, cfg); err != nil {
		return nil, err
	}
	c.capacity.Store(int32(c.ring.Tx.Capacity()))
	c.maxQueue.Store(int32(cfg.MaxQueueLen))
	return c, nil
}

// Name returns the registry key of the channel.
func (c *Channel) Name() string {
	return c.name
}

// State returns the lifecycle state of the channel.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// LinkUp returns true while the peer is synchronized.
func (c *Channel) LinkUp() bool {
	return c.synced.Load()
}

// Open starts the channel, delivering notifications to cb.
func (c *Channel) Open(cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(Idle), int32(Opening)) {
		return ErrAlreadyOpen
	}
	c.cb = cb
	c.watermark[PriorityHigh].Store(0)
	c.watermark[PriorityDefault].Store(int32(percentOf(c.ring.Tx.SlotCount, c.cfg.DefaultWatermark)))
	c.txFlow.reset()
	c.rxFlow.reset()
	c.rxOffset = 0
	tx := newTasklet(c.txDrain, c.cfg.Polling)
	rx := newTasklet(c.rxDrain, c.cfg.Polling)
	c.txTasklet.Store(tx)
	c.rxTasklet.Store(rx)
	if err := c.bindEvents(); err != nil {
		tx.Kill()
		rx.Kill()
		c.cb = nil
		c.state.Store(int32(Idle))
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.state.Store(int32(Opened))
	logger.Debugf("%s: opened", c.name)
	if c.synced.Load() {
		tx.Schedule()
		rx.Schedule()
	}
	return nil
}

// Close stops the channel. Queued packets are discarded, and no drain
// is running once Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(Opened), int32(Closing)) {
		return ErrNotOpen
	}
	c.unbindEvents()
	c.txTasklet.Load().Kill()
	c.rxTasklet.Load().Kill()
	if n := c.purgeTx(); n > 0 {
		logger.Debugf("%s: discarded %d queued packets on close", c.name, n)
	}
	c.cb = nil
	c.state.Store(int32(Idle))
	logger.Debugf("%s: closed", c.name)
	return nil
}

// Enqueue queues a packet for transmission. The channel owns pkt
// from this point and the caller must not modify it.
// While the link is down the packet is discarded.
func (c *Channel) Enqueue(pkt []byte, prio Priority) error {
	if c.State() != Opened {
		return ErrNotOpen
	}
	if prio < 0 || prio >= NumPriorities {
		return fmt.Errorf("invalid priority %d", prio)
	}
	if PaddedSize(len(pkt)) > int(c.capacity.Load()) {
		c.stats.txOversize.Add(1)
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(pkt))
	}
	q := &c.queues[prio]
	q.mu.Lock()
	if c.State() != Opened {
		q.mu.Unlock()
		return ErrNotOpen
	}
	if !c.synced.Load() {
		q.mu.Unlock()
		c.stats.txDropped.Add(1)
		return nil
	}
	if max := int(c.maxQueue.Load()); max > 0 && len(q.pkts) >= max {
		q.mu.Unlock()
		c.stats.txQueueFull.Add(1)
		return ErrQueueFull
	}
	q.pkts = append(q.pkts, pkt)
	q.mu.Unlock()
	c.scheduleTx(prio)
	return nil
}

// scheduleTx runs the transmit drain immediately for high priority
// traffic or a full batch, and otherwise after the batching delay
// so further packets can share slots.
func (c *Channel) scheduleTx(prio Priority) {
	tl := c.txTasklet.Load()
	if tl == nil {
		return
	}
	if prio == PriorityHigh || c.queued() >= c.cfg.TxBatch {
		tl.Schedule()
	} else {
		tl.ScheduleAfter(c.cfg.TxDelay)
	}
}

// DrainTx performs one transmit pass in the caller's context. It returns
// true if the pass stopped on its slot budget with work remaining.
func (c *Channel) DrainTx() bool {
	if c.State() != Opened {
		return false
	}
	return c.txTasklet.Load().Run()
}

// DrainRx performs one receive pass in the caller's context. It returns
// true if the pass stopped on its slot budget with work remaining.
func (c *Channel) DrainRx() bool {
	if c.State() != Opened {
		return false
	}
	return c.rxTasklet.Load().Run()
}

// KickRx requests a receive pass, used by the upper layer once it can
// accept packets it previously kept pending.
func (c *Channel) KickRx() {
	if tl := c.rxTasklet.Load(); tl != nil && c.State() == Opened {
		tl.Schedule()
	}
}

// SetWatermark sets the free slot count at or below which packets of the
// priority may not claim a new slot.
func (c *Channel) SetWatermark(prio Priority, n int) error {
	if prio < 0 || prio >= NumPriorities {
		return fmt.Errorf("invalid priority %d", prio)
	}
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	// The free count never exceeds SlotCount-1.
	if n < 0 || n >= c.ring.Tx.SlotCount-1 {
		return fmt.Errorf("%w: watermark %d out of range", ErrInvalidConfig, n)
	}
	c.watermark[prio].Store(int32(n))
	return nil
}

// Watermark returns the free slot watermark of the priority.
func (c *Channel) Watermark(prio Priority) int {
	return int(c.watermark[prio].Load())
}

// SetMaxQueueLen bounds each transmit queue. Zero removes the bound.
func (c *Channel) SetMaxQueueLen(n int) {
	if n < 0 {
		n = 0
	}
	c.maxQueue.Store(int32(n))
}

var txIdleRetryStrategy retry.Strategy = retry.LimitTime(10*time.Second,
	retry.Exponential{
		Initial:  time.Millisecond,
		Factor:   1.5,
		MaxDelay: 50 * time.Millisecond,
	},
)

// WaitTxIdle waits until every queued packet has been published and
// consumed by the peer.
func (c *Channel) WaitTxIdle(ctx context.Context) error {
	for attempt := retry.Start(txIdleRetryStrategy, nil); attempt.Next(); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.txIdle() {
			return nil
		}
	}
	return fmt.Errorf("%s: timeout waiting for transmit to drain", c.name)
}

func (c *Channel) txIdle() bool {
	if c.queued() != 0 {
		return false
	}
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	cb := c.ring.Control
	return IsEmpty(cb.TxWrite(), cb.TxRead())
}

// queued returns the number of packets in all transmit queues.
func (c *Channel) queued() int {
	n := 0
	for i := range c.queues {
		n += c.queues[i].len()
	}
	return n
}

// purgeTx discards all queued packets, returning the number discarded.
func (c *Channel) purgeTx() int {
	n := 0
	for i := range c.queues {
		n += c.queues[i].purge()
	}
	c.stats.txDropped.Add(uint64(n))
	return n
}

func (c *Channel) bindEvents() error {
	in := c.cfg.Inbound
	handlers := []struct {
		id EventID
		f  func()
	}{
		{in.TxStopped, c.peerTxStopped},
		{in.TxResumed, c.peerTxResumed},
		{in.PacketAvailable, c.packetAvailable},
	}
	for i, h := range handlers {
		if err := c.events.BindEvent(h.id, h.f); err != nil {
			for _, b := range handlers[:i] {
				c.events.UnbindEvent(b.id)
			}
			return err
		}
	}
	return nil
}

func (c *Channel) unbindEvents() {
	in := c.cfg.Inbound
	for _, id := range []EventID{in.TxStopped, in.TxResumed, in.PacketAvailable} {
		if err := c.events.UnbindEvent(id); err != nil {
			logger.Noticef("%s: cannot unbind event %d: %v", c.name, id, err)
		}
	}
}

// signal sends an event to the peer.
func (c *Channel) signal(id EventID) {
	if err := c.events.SignalEvent(id); err != nil {
		logger.Noticef("%s: cannot signal event %d: %v", c.name, id, err)
	}
}

// peerTxStopped handles the peer reporting that the receive ring is full.
// The receive drain keeps polling until it can signal a resume.
func (c *Channel) peerTxStopped() {
	c.stats.events.Add(1)
	c.markPeerStopped()
	if tl := c.rxTasklet.Load(); tl != nil {
		tl.Schedule()
	}
}

// peerTxResumed handles the peer freeing transmit slots.
func (c *Channel) peerTxResumed() {
	c.stats.events.Add(1)
	if tl := c.txTasklet.Load(); tl != nil {
		tl.Schedule()
	}
}

// packetAvailable handles the peer publishing receive slots.
func (c *Channel) packetAvailable() {
	c.stats.events.Add(1)
	if tl := c.rxTasklet.Load(); tl != nil {
		tl.Schedule()
	}
}

func (c *Channel) markPeerStopped() {
	if !c.rxFlow.peerStopped.Swap(true) {
		c.rxFlow.stopped.Add(1)
		logger.Debugf("%s: peer transmit stopped", c.name)
	}
}

// linkDown discards all queued packets and reports the loss of the peer.
func (c *Channel) linkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced.Swap(false) {
		return
	}
	if c.State() != Opened {
		c.purgeTx()
		return
	}
	tl := c.txTasklet.Load()
	tl.Disable()
	n := c.purgeTx()
	tl.Enable()
	logger.Noticef("%s: link down, %d queued packets discarded", c.name, n)
	c.cb.LinkDown()
}

// linkUp resets the shared control block and reports the peer as
// synchronized. The peer must not access the control block until
// the link up handshake completes.
func (c *Channel) linkUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	opened := c.State() == Opened
	if opened {
		c.txTasklet.Load().Disable()
		c.rxTasklet.Load().Disable()
	}
	c.ring.Control.Reset()
	c.txFlow.reset()
	c.rxFlow.reset()
	c.rxOffset = 0
	c.synced.Store(true)
	if !opened {
		return
	}
	tx := c.txTasklet.Load()
	rx := c.rxTasklet.Load()
	tx.Enable()
	rx.Enable()
	logger.Noticef("%s: link up", c.name)
	c.cb.LinkUp()
	tx.Schedule()
	rx.Schedule()
}

// rebind maps the rings onto a new memory layout. The link must be down.
func (c *Channel) rebind(region *Region, l Layout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced.Load() {
		return fmt.Errorf("%s: %w", c.name, ErrLinkUp)
	}
	opened := c.State() == Opened
	if opened {
		c.txTasklet.Load().Disable()
		c.rxTasklet.Load().Disable()
		defer c.txTasklet.Load().Enable()
		defer c.rxTasklet.Load().Enable()
	}
	var r Ring
	if err := r.Bind(region, l, c.cfg); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.ringMu.Lock()
	c.ring = r
	c.ringMu.Unlock()
	c.capacity.Store(int32(r.Tx.Capacity()))
	if opened {
		c.watermark[PriorityDefault].Store(int32(percentOf(r.Tx.SlotCount, c.cfg.DefaultWatermark)))
	}
	c.rxOffset = 0
	logger.Noticef("%s: rebound to tx %s, rx %s", c.name, &r.Tx, &r.Rx)
	return nil
}
