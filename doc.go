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

/*

Package shm implements a packet transport between an application processor
and a communication co-processor (the peer) over a fixed region of shared memory.

Each channel uses a pair of circular slot rings, one per direction, and a small
control block holding the producer and consumer slot pointers. Each pointer has
exactly one writer, so no locking is needed between the processors; a pointer
store is the point at which a slot becomes visible to the other side.

Outbound packets are queued by priority and packed into transmit slots by a
deferred drain. Several small packets may share one slot. Inbound slots are
unpacked and passed to the layer above, which may keep a packet pending to
apply backpressure. Either side signals that it has stopped when it runs out of
free slots, and the other side signals a resume once slots are released.
Signalling uses an EventChannel, such as the in-process Intc, optionally
bridged across processes with eventfd Doorbells.

Channels are owned by a Registry, which also distributes the peer's link
status and memory layout notifications:
  reg := shm.NewRegistry()
  ch, err := reg.Create("psd", region, shm.DefaultLayout(64*1024, 64*1024), shm.DefaultConfig, intc)
  err = ch.Open(upper)
  reg.LinkStatusChanged(shm.LinkUp)
  err = ch.Enqueue(pkt, shm.PriorityDefault)

*/
package shm
