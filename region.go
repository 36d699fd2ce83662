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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aamcrae/shm/logger"
)

// Layout describes where the control block and the two slot arrays live
// within a shared region. It is supplied by the peer's memory handshake
// at channel creation and again whenever the peer reboots.
// All values are byte offsets or sizes within the region.
type Layout struct {
	Control int `yaml:"control"`
	Tx      int `yaml:"tx"`
	TxSize  int `yaml:"tx-size"`
	Rx      int `yaml:"rx"`
	RxSize  int `yaml:"rx-size"`
}

// Size returns the minimum region size needed to hold the layout.
func (l Layout) Size() int {
	end := l.Control + ControlBlockSize
	if e := l.Tx + l.TxSize; e > end {
		end = e
	}
	if e := l.Rx + l.RxSize; e > end {
		end = e
	}
	return end
}

// DefaultLayout returns a packed layout with the control block first,
// followed by the TX and RX slot arrays.
func DefaultLayout(txSize, rxSize int) Layout {
	return Layout{
		Control: 0,
		Tx:      ControlBlockSize,
		TxSize:  txSize,
		Rx:      ControlBlockSize + txSize,
		RxSize:  rxSize,
	}
}

// Region is a block of memory shared with the peer.
type Region struct {
	mmapFile *os.File
	mem      []byte
	mapped   bool
	cache    CacheMaintainer
}

// NewRegion allocates a region in process memory. It is used when both
// sides of the transport run in the same process.
func NewRegion(size int) *Region {
	// Allocate as 64 bit words so the control block is aligned.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
	return &Region{mem: mem[:size:size]}
}

// MapFile maps size bytes of the file at path as a shared region,
// creating and extending the file as required.
func MapFile(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_SYNC, 0660)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return &Region{mmapFile: f, mem: mem, mapped: true, cache: MsyncCache{}}, nil
}

// Bytes returns the region memory.
func (r *Region) Bytes() []byte {
	return r.mem
}

// CacheMaintainer returns the cache maintenance used for rings in the
// region. File mappings default to MsyncCache; process memory has none.
func (r *Region) CacheMaintainer() CacheMaintainer {
	return r.cache
}

// SetCacheMaintainer replaces the cache maintenance used for rings
// bound to the region afterwards.
func (r *Region) SetCacheMaintainer(cm CacheMaintainer) {
	r.cache = cm
}

// Close releases the region. The memory must no longer be in use.
func (r *Region) Close() error {
	if !r.mapped {
		r.mem = nil
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if cerr := r.mmapFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// CacheMaintainer performs cache maintenance on shared memory that is
// not coherent between the two processors.
type CacheMaintainer interface {
	// Flush writes back the range so the peer can see it.
	Flush(b []byte)
	// Invalidate discards cached data so the peer's writes are visible.
	Invalidate(b []byte)
}

// MsyncCache flushes ranges of a file mapping with msync.
// Invalidation needs no action since the mapping is shared.
type MsyncCache struct{}

// Flush synchronously writes the pages covering b.
func (MsyncCache) Flush(b []byte) {
	if len(b) == 0 {
		return
	}
	page := uintptr(os.Getpagesize())
	start := uintptr(unsafe.Pointer(&b[0]))
	offs := start & (page - 1)
	aligned := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&b[0]), -int(offs))), int(offs)+len(b))
	if err := unix.Msync(aligned, unix.MS_SYNC); err != nil {
		logger.Panicf("msync of %d bytes failed: %v", len(b), err)
	}
}

// Invalidate is a no-op for shared file mappings.
func (MsyncCache) Invalidate(b []byte) {}
