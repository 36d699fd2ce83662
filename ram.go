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
	"io"
)

const (
	// SlotHeaderSize is the size of the header at the start of every slot.
	SlotHeaderSize = 8
	// PacketHeaderSize is the size of the header preceding each packet
	// packed into a slot.
	PacketHeaderSize = 4
	// Packets are padded to this alignment within a slot.
	packetAlign = 4
	// The largest payload the 16 bit slot length can describe.
	maxSlotPayload = 0xFFFF
)

// PaddedSize returns the number of slot bytes used by a packet
// of n bytes, including the packet header and alignment padding.
func PaddedSize(n int) int {
	return (PacketHeaderSize + n + packetAlign - 1) &^ (packetAlign - 1)
}

// slots is a typed view of a slot array in shared memory.
// The bounds are checked once when the view is created, and
// each slot is returned as a sub-slice of exactly slotSize bytes.
type slots struct {
	mem      []byte
	slotSize int
	count    int
}

func newSlots(mem []byte, slotSize int) (slots, error) {
	if slotSize <= 0 || len(mem)%slotSize != 0 {
		return slots{}, fmt.Errorf("area of %d bytes is not a multiple of slot size %d", len(mem), slotSize)
	}
	return slots{mem: mem, slotSize: slotSize, count: len(mem) / slotSize}, nil
}

// at returns the slot at index i.
func (s slots) at(i int) []byte {
	offs := i * s.slotSize
	return s.mem[offs : offs+s.slotSize : offs+s.slotSize]
}

// slotIO packs packets into, or unpacks them from, a single slot's
// payload area, maintaining the slot header as packets are added.
type slotIO struct {
	Data    []byte
	order   binary.ByteOrder
	current int
	max     int
}

// openSlot prepares a slot for writing, clearing the header.
func openSlot(slot []byte, order binary.ByteOrder) *slotIO {
	for i := 0; i < SlotHeaderSize; i++ {
		slot[i] = 0
	}
	return &slotIO{Data: slot, order: order, current: SlotHeaderSize, max: len(slot)}
}

// readSlot prepares a received slot for reading. The declared length
// is validated against the slot capacity.
func readSlot(slot []byte, order binary.ByteOrder) (*slotIO, error) {
	n := int(order.Uint16(slot))
	if n+SlotHeaderSize > len(slot) {
		return nil, fmt.Errorf("slot length %d exceeds capacity %d", n, len(slot)-SlotHeaderSize)
	}
	return &slotIO{Data: slot, order: order, current: SlotHeaderSize, max: SlotHeaderSize + n}, nil
}

// Remaining returns the number of bytes free (when writing) or
// still unread (when reading).
func (r *slotIO) Remaining() int {
	return r.max - r.current
}

// Len returns the number of payload bytes used in the slot.
func (r *slotIO) Len() int {
	return r.current - SlotHeaderSize
}

// WritePacket appends one packet with its header and padding.
// The caller has already checked that PaddedSize(len(p)) fits.
func (r *slotIO) WritePacket(p []byte) error {
	sz := PaddedSize(len(p))
	if sz > r.Remaining() {
		return io.ErrShortWrite
	}
	hdr := r.Data[r.current : r.current+PacketHeaderSize]
	r.order.PutUint16(hdr, uint16(len(p)))
	hdr[2], hdr[3] = 0, 0
	copy(r.Data[r.current+PacketHeaderSize:], p)
	end := r.current + sz
	for i := r.current + PacketHeaderSize + len(p); i < end; i++ {
		r.Data[i] = 0
	}
	r.current = end
	return nil
}

// Finish writes the slot header with the payload length.
func (r *slotIO) Finish() {
	r.order.PutUint16(r.Data, uint16(r.Len()))
}

// Seek moves the offset within the payload area.
func (r *slotIO) Seek(offs int64, whence int) (int64, error) {
	n := int(offs)
	switch whence {
	case io.SeekStart:
		n += SlotHeaderSize
	case io.SeekCurrent:
		n += r.current
	case io.SeekEnd:
		n = r.max - n
	default:
		return 0, fmt.Errorf("unknown whence")
	}
	if n < SlotHeaderSize || n > r.max {
		return 0, fmt.Errorf("offset out of range")
	}
	r.current = n
	return int64(r.current - SlotHeaderSize), nil
}

// NextPacket returns the next packet in the slot, or io.EOF
// once the declared payload has been consumed. The returned slice
// refers to the shared slot memory.
func (r *slotIO) NextPacket() ([]byte, error) {
	if r.current >= r.max {
		return nil, io.EOF
	}
	if r.Remaining() < PacketHeaderSize {
		return nil, fmt.Errorf("truncated packet header at offset %d", r.Len())
	}
	n := int(r.order.Uint16(r.Data[r.current:]))
	sz := PaddedSize(n)
	if sz > r.Remaining() {
		return nil, fmt.Errorf("packet of %d bytes at offset %d overruns slot", n, r.Len())
	}
	start := r.current + PacketHeaderSize
	r.current += sz
	return r.Data[start : start+n : start+n], nil
}
