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
	"encoding/binary"
	"fmt"
)

// RingDescriptor is the local view of the slot array of one direction.
type RingDescriptor struct {
	SlotSize     int
	SlotCount    int
	LowWatermark int
	// Cacheable is set when the memory is not coherent with the peer
	// and slots must be flushed or invalidated explicitly.
	Cacheable bool

	slots slots
	cache CacheMaintainer
}

// Slot returns the memory of slot i.
func (d *RingDescriptor) Slot(i int) []byte {
	return d.slots.at(i)
}

// Capacity returns the number of payload bytes a slot can hold.
func (d *RingDescriptor) Capacity() int {
	return d.SlotSize - SlotHeaderSize
}

// Flush makes b visible to the peer.
func (d *RingDescriptor) Flush(b []byte) {
	if d.Cacheable && d.cache != nil {
		d.cache.Flush(b)
	}
}

// Invalidate makes the peer's writes to b visible.
func (d *RingDescriptor) Invalidate(b []byte) {
	if d.Cacheable && d.cache != nil {
		d.cache.Invalidate(b)
	}
}

func (d *RingDescriptor) String() string {
	return fmt.Sprintf("%d x %d bytes", d.SlotCount, d.SlotSize)
}

// Ring binds the control block and the two slot arrays of a channel
// to a shared region.
type Ring struct {
	Control *ControlBlock
	Tx      RingDescriptor
	Rx      RingDescriptor
	// Order is the byte order of the slot headers, which is
	// the native order shared by both processors.
	Order binary.ByteOrder
}

// Bind maps the ring onto the region using the layout and the slot
// geometry of cfg. On failure the ring is left unchanged.
func (r *Ring) Bind(region *Region, l Layout, cfg *Config) error {
	mem := region.Bytes()
	if l.Size() > len(mem) {
		return fmt.Errorf("%w: layout needs %d bytes, region has %d", ErrInvalidConfig, l.Size(), len(mem))
	}
	if overlaps(l.Control, ControlBlockSize, l.Tx, l.TxSize) ||
		overlaps(l.Control, ControlBlockSize, l.Rx, l.RxSize) ||
		overlaps(l.Tx, l.TxSize, l.Rx, l.RxSize) {
		return fmt.Errorf("%w: overlapping areas in layout %+v", ErrInvalidConfig, l)
	}
	cb, err := newControlBlock(mem, l.Control)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tx, err := newDescriptor(mem, l.Tx, l.TxSize, cfg.TxSlotSize, cfg.TxLowWatermark, cfg.Cacheable)
	if err != nil {
		return fmt.Errorf("%w: tx: %v", ErrInvalidConfig, err)
	}
	rx, err := newDescriptor(mem, l.Rx, l.RxSize, cfg.RxSlotSize, cfg.RxLowWatermark, cfg.Cacheable)
	if err != nil {
		return fmt.Errorf("%w: rx: %v", ErrInvalidConfig, err)
	}
	if err := checkWatermark(percentOf(tx.SlotCount, cfg.DefaultWatermark), tx.SlotCount); err != nil {
		return fmt.Errorf("%w: tx: default %v", ErrInvalidConfig, err)
	}
	tx.cache = region.CacheMaintainer()
	rx.cache = region.CacheMaintainer()
	r.Control = cb
	r.Tx = tx
	r.Rx = rx
	r.Order = binary.NativeEndian
	return nil
}

// newDescriptor validates the geometry of one slot array.
func newDescriptor(mem []byte, offs, size, slotSize, wmPct int, cacheable bool) (RingDescriptor, error) {
	switch {
	case slotSize <= SlotHeaderSize:
		return RingDescriptor{}, fmt.Errorf("slot size %d does not exceed the %d byte header", slotSize, SlotHeaderSize)
	case slotSize > SlotHeaderSize+maxSlotPayload:
		return RingDescriptor{}, fmt.Errorf("slot size %d too large", slotSize)
	case offs < 0 || size < 0 || offs+size > len(mem):
		return RingDescriptor{}, fmt.Errorf("area 0x%x+%d outside region", offs, size)
	}
	s, err := newSlots(mem[offs:offs+size:offs+size], slotSize)
	if err != nil {
		return RingDescriptor{}, err
	}
	if s.count < 2 {
		return RingDescriptor{}, fmt.Errorf("%d slots, need at least 2", s.count)
	}
	lw := percentOf(s.count, wmPct)
	if err := checkWatermark(lw, s.count); err != nil {
		return RingDescriptor{}, fmt.Errorf("low %v", err)
	}
	return RingDescriptor{
		SlotSize:     slotSize,
		SlotCount:    s.count,
		LowWatermark: lw,
		Cacheable:    cacheable,
		slots:        s,
	}, nil
}

// checkWatermark rejects free slot watermarks that could never be
// exceeded. At most count-1 slots of a ring are ever free.
func checkWatermark(wm, count int) error {
	if wm >= count-1 {
		return fmt.Errorf("watermark %d leaves no usable slots in a ring of %d", wm, count)
	}
	return nil
}

func overlaps(a, alen, b, blen int) bool {
	return a < b+blen && b < a+alen
}
