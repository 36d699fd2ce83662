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
	"os"

	"golang.org/x/sys/unix"
)

// Doorbell carries one event across a process boundary through an
// eventfd. Ringing the doorbell increments the eventfd counter; a reader
// goroutine raises the event on the controller it is attached to.
// The descriptor can be passed to another process, which attaches its
// own Doorbell to the same eventfd with OpenDoorbell.
type Doorbell struct {
	id   EventID
	ic   *Intc
	fd   int
	file *os.File
	done chan struct{}
}

// NewDoorbell creates an eventfd and attaches it to event id of ic.
// Signals of the event on ic are routed through the eventfd.
func NewDoorbell(ic *Intc, id EventID) (*Doorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %v", err)
	}
	return attachDoorbell(ic, id, fd)
}

// OpenDoorbell attaches an existing eventfd to event id of ic.
func OpenDoorbell(ic *Intc, id EventID, fd int) (*Doorbell, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup: %v", err)
	}
	// A non-blocking descriptor lets Close interrupt the reader.
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return attachDoorbell(ic, id, nfd)
}

func attachDoorbell(ic *Intc, id EventID, fd int) (*Doorbell, error) {
	if ic.Event(id) == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("event %d out of range", id)
	}
	// os.File.Fd would put the descriptor back into blocking mode,
	// so the raw descriptor is kept for Fd.
	f := os.NewFile(uintptr(fd), fmt.Sprintf("doorbell-%d", id))
	d := &Doorbell{id: id, ic: ic, fd: fd, file: f, done: make(chan struct{})}
	ic.route(id, d.Ring)
	go d.signalReader()
	return d, nil
}

// Fd returns the eventfd descriptor.
func (d *Doorbell) Fd() int {
	return d.fd
}

// Ring signals the event through the eventfd.
func (d *Doorbell) Ring() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := d.file.Write(b[:])
	return err
}

// Close detaches the doorbell and closes the eventfd.
func (d *Doorbell) Close() error {
	d.ic.route(d.id, nil)
	err := d.file.Close()
	<-d.done
	return err
}

// signalReader reads the eventfd counter and raises the event
// once for each read that returns a non-zero count.
func (d *Doorbell) signalReader() {
	defer close(d.done)
	b := make([]byte, 8)
	for {
		n, err := d.file.Read(b)
		if err != nil {
			// Assume the eventfd has been closed.
			return
		}
		if n == 8 && binary.NativeEndian.Uint64(b) != 0 {
			d.ic.Event(d.id).raise()
		}
	}
}
