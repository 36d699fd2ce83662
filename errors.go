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

import "errors"

var (
	// ErrInvalidConfig is returned when the ring geometry or layout is malformed.
	ErrInvalidConfig = errors.New("invalid ring configuration")
	// ErrNotOpen is returned when a channel operation requires an open channel.
	ErrNotOpen = errors.New("channel not open")
	// ErrAlreadyOpen is returned when opening a channel that is not idle.
	ErrAlreadyOpen = errors.New("channel already open")
	// ErrQueueFull is returned by Enqueue when the optional queue limit is reached.
	ErrQueueFull = errors.New("transmit queue full")
	// ErrPacketTooLarge is returned by Enqueue for packets that cannot fit in a slot.
	ErrPacketTooLarge = errors.New("packet too large for slot")
	// ErrUnknownChannel is returned by registry lookups of missing channels.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrChannelExists is returned when creating a channel under a name in use.
	ErrChannelExists = errors.New("channel already exists")
	// ErrLinkUp is returned when rebinding memory while the link is synchronized.
	ErrLinkUp = errors.New("link is up")
)
