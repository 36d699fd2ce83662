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
	"sync"
)

// Number of system events of the interrupt controller.
const nEvents = 64

// EventID identifies an inter-processor event.
type EventID int

// EventSet maps the three flow control and data events to event ids.
type EventSet struct {
	// The sender's transmit direction is stalled on a full ring.
	TxStopped EventID `yaml:"tx-stopped"`
	// The receiver has freed slots and the sender may continue.
	TxResumed EventID `yaml:"tx-resumed"`
	// New slots have been published.
	PacketAvailable EventID `yaml:"packet-available"`
}

func (es EventSet) validate() error {
	ids := []EventID{es.TxStopped, es.TxResumed, es.PacketAvailable}
	for i, id := range ids {
		if id < 0 || id >= nEvents {
			return fmt.Errorf("%w: event %d out of range", ErrInvalidConfig, id)
		}
		for _, other := range ids[:i] {
			if id == other {
				return fmt.Errorf("%w: event %d mapped twice", ErrInvalidConfig, id)
			}
		}
	}
	return nil
}

// EventChannel is the inter-processor interrupt interface used by a channel.
// Handlers are invoked asynchronously and must not block.
type EventChannel interface {
	BindEvent(id EventID, f func()) error
	UnbindEvent(id EventID) error
	SignalEvent(id EventID) error
}

// Intc is an in-process interrupt controller. Events signalled on it are
// dispatched to the handler bound to the event, so both the local side
// and a simulated peer may share one controller.
type Intc struct {
	mu      sync.Mutex
	events  [nEvents]*Event
	senders [nEvents]func() error
}

// NewIntc creates an interrupt controller with no events bound.
func NewIntc() *Intc {
	ic := new(Intc)
	for i := range ic.events {
		ic.events[i] = newEvent()
	}
	return ic
}

// Event returns the Event identified by id.
func (ic *Intc) Event(id EventID) *Event {
	if id < 0 || id >= nEvents {
		return nil
	}
	return ic.events[id]
}

// BindEvent installs f as the handler for the event.
func (ic *Intc) BindEvent(id EventID, f func()) error {
	e := ic.Event(id)
	if e == nil {
		return fmt.Errorf("event %d out of range", id)
	}
	if !e.bind(f) {
		return fmt.Errorf("event %d already bound", id)
	}
	return nil
}

// UnbindEvent removes the handler of the event, waiting for
// a running handler to return. It must not be called from the handler.
func (ic *Intc) UnbindEvent(id EventID) error {
	e := ic.Event(id)
	if e == nil {
		return fmt.Errorf("event %d out of range", id)
	}
	if !e.unbind() {
		return fmt.Errorf("event %d not bound", id)
	}
	return nil
}

// SignalEvent triggers the event. If a sender has been routed to the
// event, it is used to deliver the event instead.
func (ic *Intc) SignalEvent(id EventID) error {
	e := ic.Event(id)
	if e == nil {
		return fmt.Errorf("event %d out of range", id)
	}
	ic.mu.Lock()
	send := ic.senders[id]
	ic.mu.Unlock()
	if send != nil {
		return send()
	}
	e.raise()
	return nil
}

// route directs signals of the event to send. A nil send restores
// direct delivery.
func (ic *Intc) route(id EventID, send func() error) {
	ic.mu.Lock()
	ic.senders[id] = send
	ic.mu.Unlock()
}

// Close removes all handlers and routes.
func (ic *Intc) Close() {
	for id, e := range ic.events {
		ic.route(EventID(id), nil)
		e.ClearHandler()
	}
}
