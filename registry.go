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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aamcrae/shm/logger"
)

// LinkStatus is the synchronization state of the peer.
type LinkStatus int

const (
	LinkDown LinkStatus = iota
	LinkUp
)

func (s LinkStatus) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// Registry owns the channels of a process, keyed by name, and fans out
// the peer's link status and memory layout notifications to them.
// A Registry is created with NewRegistry and torn down with Close.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	link     LinkStatus
}

// NewRegistry creates an empty registry with the link down.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Create binds a new idle channel to the region using the layout
// supplied by the peer. The configuration is copied. If the link is
// already up, the channel's control block is reset and it starts
// synchronized.
func (r *Registry) Create(name string, region *Region, l Layout, cfg *Config, events EventChannel) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrChannelExists)
	}
	c, err := newChannel(name, region, l, cfg.Copy(), events)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if r.link == LinkUp {
		c.linkUp()
	}
	r.channels[name] = c
	logger.Debugf("%s: created, tx %s, rx %s", name, &c.ring.Tx, &c.ring.Rx)
	return c, nil
}

// Lookup returns the channel with the name.
func (r *Registry) Lookup(name string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	return c, nil
}

// Names returns the sorted names of the channels.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes the channel if open and removes it from the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	c, ok := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	if err := c.Close(); err != nil && !errors.Is(err, ErrNotOpen) {
		return err
	}
	return nil
}

// Link returns the last link status notified.
func (r *Registry) Link() LinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// LinkStatusChanged notifies every channel of a change in the peer's
// link status. On link down queued packets are discarded; on link up
// the shared control blocks are reset, so the peer must be quiescent
// until the notification returns.
func (r *Registry) LinkStatusChanged(status LinkStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.link = status
	for _, c := range r.channels {
		if status == LinkUp {
			c.linkUp()
		} else {
			c.linkDown()
		}
	}
}

// MemoryLayoutChanged rebinds the named channel to a new memory layout
// after the peer rebooted. The link must be down; the channel resumes
// on the next link up.
func (r *Registry) MemoryLayoutChanged(name string, region *Region, l Layout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	return c.rebind(region, l)
}

// Close closes and removes all channels.
func (r *Registry) Close() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.link = LinkDown
	r.mu.Unlock()
	for _, c := range channels {
		c.Close()
	}
}
