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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the configuration of a channel.
// A configuration is initialised through config methods on this structure e.g:
//   cfg := NewConfig()
//   cfg.SlotSizes(1024, 2048).Shots(16, 16)
//   ch, err := reg.Create("psd", region, layout, cfg, intc)
type Config struct {
	TxSlotSize int  `yaml:"tx-slot-size"`
	RxSlotSize int  `yaml:"rx-slot-size"`
	Cacheable  bool `yaml:"cacheable"`

	// Low watermarks as a percentage of the ring's slot count.
	TxLowWatermark int `yaml:"tx-low-watermark"`
	RxLowWatermark int `yaml:"rx-low-watermark"`
	// Free slot watermark of default priority traffic, as a percentage.
	DefaultWatermark int `yaml:"default-watermark"`

	MaxTxShots   int           `yaml:"max-tx-shots"`
	MaxRxShots   int           `yaml:"max-rx-shots"`
	TxDelay      time.Duration `yaml:"tx-delay"`
	TxBatch      int           `yaml:"tx-batch"`
	RxRetryDelay time.Duration `yaml:"rx-retry-delay"`
	// A zero MaxQueueLen leaves the transmit queues unbounded.
	MaxQueueLen int `yaml:"max-queue-len"`

	Inbound  EventSet `yaml:"inbound"`
	Outbound EventSet `yaml:"outbound"`

	// In polling mode no drain runs in the background; the owner of
	// the channel calls DrainTx and DrainRx.
	Polling bool `yaml:"polling"`
}

// The default config.
// Both rings use 2KB slots, the watermarks are 10% of the ring and
// the events are mapped from system event 16 onwards.
// Before channels are created, this may be modified
// to overwrite the default configuration e.g
// DefaultConfig.SlotSizes(1600, 1600).SetCacheable(true)
var DefaultConfig *Config

func init() {
	DefaultConfig = NewConfig()
}

// NewConfig creates a Config with the default settings.
func NewConfig() *Config {
	return &Config{
		TxSlotSize:       2048,
		RxSlotSize:       2048,
		TxLowWatermark:   10,
		RxLowWatermark:   10,
		DefaultWatermark: 10,
		MaxTxShots:       32,
		MaxRxShots:       32,
		TxDelay:          2 * time.Millisecond,
		TxBatch:          8,
		RxRetryDelay:     2 * time.Millisecond,
		Inbound:          EventSet{TxStopped: 16, TxResumed: 17, PacketAvailable: 18},
		Outbound:         EventSet{TxStopped: 19, TxResumed: 20, PacketAvailable: 21},
	}
}

// LoadConfig reads a YAML configuration file. Settings missing
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML configuration over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on the memory layout.
func (c *Config) Validate() error {
	switch {
	case c.MaxTxShots <= 0 || c.MaxRxShots <= 0:
		return fmt.Errorf("%w: shot budgets must be positive", ErrInvalidConfig)
	case c.TxDelay < 0 || c.RxRetryDelay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	case c.MaxQueueLen < 0:
		return fmt.Errorf("%w: negative queue limit", ErrInvalidConfig)
	}
	for _, pct := range []int{c.TxLowWatermark, c.RxLowWatermark, c.DefaultWatermark} {
		if pct < 0 || pct >= 100 {
			return fmt.Errorf("%w: watermark %d%% out of range", ErrInvalidConfig, pct)
		}
	}
	if err := c.Inbound.validate(); err != nil {
		return err
	}
	return c.Outbound.validate()
}

// Copy returns a copy of the configuration.
func (c *Config) Copy() *Config {
	n := *c
	return &n
}

// Peer returns the configuration seen from the other side, with the
// rings and events swapped.
func (c *Config) Peer() *Config {
	n := c.Copy()
	n.TxSlotSize, n.RxSlotSize = c.RxSlotSize, c.TxSlotSize
	n.TxLowWatermark, n.RxLowWatermark = c.RxLowWatermark, c.TxLowWatermark
	n.Inbound, n.Outbound = c.Outbound, c.Inbound
	return n
}

// SlotSizes sets the slot size of the transmit and receive rings.
func (c *Config) SlotSizes(tx, rx int) *Config {
	c.TxSlotSize = tx
	c.RxSlotSize = rx
	return c
}

// SetCacheable marks the shared memory as requiring cache maintenance.
func (c *Config) SetCacheable(b bool) *Config {
	c.Cacheable = b
	return c
}

// Watermarks sets the ring low watermarks and the default priority
// watermark, each as a percentage of the slot count.
func (c *Config) Watermarks(tx, rx, def int) *Config {
	c.TxLowWatermark = tx
	c.RxLowWatermark = rx
	c.DefaultWatermark = def
	return c
}

// Shots sets the slot budget of a single drain pass.
func (c *Config) Shots(tx, rx int) *Config {
	c.MaxTxShots = tx
	c.MaxRxShots = rx
	return c
}

// Delays sets the transmit batching delay and the receive retry delay.
func (c *Config) Delays(tx, rxRetry time.Duration) *Config {
	c.TxDelay = tx
	c.RxRetryDelay = rxRetry
	return c
}

// Batch sets the number of queued packets that trigger an immediate send.
func (c *Config) Batch(n int) *Config {
	c.TxBatch = n
	return c
}

// QueueLimit bounds each transmit queue. Zero removes the bound.
func (c *Config) QueueLimit(n int) *Config {
	c.MaxQueueLen = n
	return c
}

// Events maps the inbound and outbound event kinds to event ids.
func (c *Config) Events(in, out EventSet) *Config {
	c.Inbound = in
	c.Outbound = out
	return c
}

// SetPolling selects polling mode.
func (c *Config) SetPolling(b bool) *Config {
	c.Polling = b
	return c
}

// percentOf returns pct percent of n, rounded down.
func percentOf(n, pct int) int {
	return n * pct / 100
}
