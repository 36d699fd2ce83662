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

// Slot pointers follow the convention that a write pointer names the last
// slot published by the producer, and a read pointer names the last slot
// released by the consumer. Both sides start at 0, so one slot is always
// left unused to tell a full ring from an empty one.

// NextSlot returns the slot following slot in a ring of total slots.
func NextSlot(total, slot int) int {
	slot++
	if slot >= total {
		return 0
	}
	return slot
}

// IsFull returns true if the producer cannot claim another slot.
func IsFull(total, wptr, rptr int) bool {
	return NextSlot(total, wptr) == rptr
}

// IsEmpty returns true if the consumer has nothing to read.
func IsEmpty(wptr, rptr int) bool {
	return wptr == rptr
}

// FreeSlotsForProducer returns the number of slots the producer
// may still claim, in the range [0, total-1].
func FreeSlotsForProducer(rptr, wptr, total int) int {
	return mod(rptr-NextSlot(total, wptr), total)
}

// FreeSlotsForConsumer returns the number of published slots
// not yet consumed, in the range [0, total-1].
func FreeSlotsForConsumer(wptr, rptr, total int) int {
	return mod(wptr-rptr, total)
}

func mod(v, total int) int {
	v %= total
	if v < 0 {
		v += total
	}
	return v
}
