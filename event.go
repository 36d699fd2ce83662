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
	"time"
)

// Event handles waiting on or receiving one system event.
// Events raised while no handler is installed remain pending
// until a handler is installed or Wait is called.
type Event struct {
	mu                sync.Mutex
	handlerRegistered bool
	evChan            chan bool
	stopChan          chan chan bool
}

// newEvent creates and initialises an Event structure.
func newEvent() *Event {
	ev := new(Event)
	ev.evChan = make(chan bool, 50)
	return ev
}

// SetHandler installs an asynch handler that is invoked when the
// event is raised, replacing any existing handler.
func (e *Event) SetHandler(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearHandler()
	e.setHandler(f)
}

// ClearHandler removes any currently installed handler for this event
func (e *Event) ClearHandler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearHandler()
}

// bind installs f unless a handler is already installed.
func (e *Event) bind(f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlerRegistered {
		return false
	}
	e.setHandler(f)
	return true
}

// unbind removes the handler, reporting whether one was installed.
func (e *Event) unbind() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.handlerRegistered {
		return false
	}
	e.clearHandler()
	return true
}

func (e *Event) setHandler(f func()) {
	e.handlerRegistered = true
	e.stopChan = make(chan chan bool)
	go e.dispatcher(f, e.stopChan)
}

func (e *Event) clearHandler() {
	if e.handlerRegistered {
		// Create a channel to be used to signal when the handler has exited.
		c := make(chan bool)
		e.stopChan <- c
		// Once the handler receives the stop channel, a value is signalled back
		// to indicate that the handler has exited.
		<-c
		e.stopChan = nil
		e.handlerRegistered = false
	}
}

// raise marks the event as pending. If too many events are already
// pending, the event is merged with them.
func (e *Event) raise() {
	select {
	case e.evChan <- true:
	default:
	}
}

// WaitTimeout waits for the event, returning if the timeout expires.
// This cannot be used if a handler has been installed on this event e.g
//  ok, err := e.WaitTimeout(time.Second)
//  if ok {
//      // Event received
//  else {
//      // Timed out
//  }
func (e *Event) WaitTimeout(tout time.Duration) (bool, error) {
	e.mu.Lock()
	registered := e.handlerRegistered
	e.mu.Unlock()
	if registered {
		return false, fmt.Errorf("Handler registered, cannot use WaitTimeout")
	}
	timer := time.NewTimer(tout)
	defer timer.Stop()
	select {
	case <-e.evChan:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// dispatcher is a shim between the event channel and the
// external handler that will be invoked when an event is raised.
// A stop channel is used to indicate when the handler should terminate.
func (e *Event) dispatcher(f func(), stop chan chan bool) {
	for {
		select {
		case c := <-stop:
			// Send a value back to signal that the handler has terminated.
			c <- true
			return
		case <-e.evChan:
			f()
		}
	}
}
