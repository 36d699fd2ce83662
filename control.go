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
	"sync/atomic"
	"unsafe"
)

// ControlBlockSize is the size of the control block in shared memory.
const ControlBlockSize = 32

// Control block word offsets. Each word has exactly one writer.
const (
	cbTxWrite = 0  // written by AP
	cbTxRead  = 4  // written by CP
	cbRxWrite = 8  // written by CP
	cbRxRead  = 12 // written by AP
	cbAPFlags = 16 // written by AP
	cbCPFlags = 20 // written by CP
)

// FlowTxStopped is set in a side's flow control flags while
// that side's transmit direction is stalled on a full ring.
const FlowTxStopped = 1 << 0

// ControlBlock holds the producer and consumer pointers shared by
// both processors. The AP writes the TX write pointer, RX read pointer
// and AP flags; the CP writes the rest.
type ControlBlock struct {
	mem []byte
}

// newControlBlock creates a control block view at offs in mem.
func newControlBlock(mem []byte, offs int) (*ControlBlock, error) {
	if offs < 0 || offs+ControlBlockSize > len(mem) {
		return nil, fmt.Errorf("control block at 0x%x outside region of %d bytes", offs, len(mem))
	}
	cb := &ControlBlock{mem: mem[offs : offs+ControlBlockSize]}
	if uintptr(unsafe.Pointer(&cb.mem[0]))%4 != 0 {
		return nil, fmt.Errorf("control block at 0x%x is not 32 bit aligned", offs)
	}
	return cb, nil
}

// Reset zeroes all pointers and flags. Neither side may be accessing
// the control block while it is reset.
func (cb *ControlBlock) Reset() {
	for offs := uintptr(0); offs < ControlBlockSize; offs += 4 {
		cb.wr(offs, 0)
	}
}

// TxWrite returns the last transmit slot published by the AP.
func (cb *ControlBlock) TxWrite() int { return int(cb.rd(cbTxWrite)) }

// SetTxWrite publishes transmit slots up to and including slot.
func (cb *ControlBlock) SetTxWrite(slot int) { cb.wr(cbTxWrite, uint32(slot)) }

// TxRead returns the last transmit slot consumed by the CP.
func (cb *ControlBlock) TxRead() int { return int(cb.rd(cbTxRead)) }

// SetTxRead releases transmit slots up to and including slot.
func (cb *ControlBlock) SetTxRead(slot int) { cb.wr(cbTxRead, uint32(slot)) }

// RxWrite returns the last receive slot published by the CP.
func (cb *ControlBlock) RxWrite() int { return int(cb.rd(cbRxWrite)) }

// SetRxWrite publishes receive slots up to and including slot.
func (cb *ControlBlock) SetRxWrite(slot int) { cb.wr(cbRxWrite, uint32(slot)) }

// RxRead returns the last receive slot consumed by the AP.
func (cb *ControlBlock) RxRead() int { return int(cb.rd(cbRxRead)) }

// SetRxRead releases receive slots up to and including slot.
func (cb *ControlBlock) SetRxRead(slot int) { cb.wr(cbRxRead, uint32(slot)) }

// APFlags returns the flow control flags written by the AP.
func (cb *ControlBlock) APFlags() uint32 { return cb.rd(cbAPFlags) }

// SetAPFlags replaces the flow control flags written by the AP.
func (cb *ControlBlock) SetAPFlags(f uint32) { cb.wr(cbAPFlags, f) }

// CPFlags returns the flow control flags written by the CP.
func (cb *ControlBlock) CPFlags() uint32 { return cb.rd(cbCPFlags) }

// SetCPFlags replaces the flow control flags written by the CP.
func (cb *ControlBlock) SetCPFlags(f uint32) { cb.wr(cbCPFlags, f) }

// rd reads one 32 bit word from the control block
func (cb *ControlBlock) rd(offs uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&cb.mem[offs])))
}

// wr writes one 32 bit word to the control block
func (cb *ControlBlock) wr(offs uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&cb.mem[offs])), v)
}
