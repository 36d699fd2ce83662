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
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

// tasklet runs a drain function in its own goroutine whenever it is
// scheduled. Runs never overlap, and a disabled tasklet defers any
// scheduled run until it is enabled again.
// In manual mode no goroutine is started and scheduling only marks the
// tasklet as pending; the owner calls Run.
type tasklet struct {
	fn     func() bool
	manual bool

	t        tomb.Tomb
	kick     chan struct{}
	run      sync.Mutex
	disabled atomic.Int32
	pending  atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
}

// newTasklet creates a tasklet for fn. fn returns true if it
// should be run again immediately.
func newTasklet(fn func() bool, manual bool) *tasklet {
	tl := &tasklet{fn: fn, manual: manual, kick: make(chan struct{}, 1)}
	if !manual {
		tl.t.Go(tl.loop)
	}
	return tl
}

// Schedule requests a run as soon as possible.
func (tl *tasklet) Schedule() {
	tl.pending.Store(true)
	if tl.manual {
		return
	}
	select {
	case tl.kick <- struct{}{}:
	default:
	}
}

// ScheduleAfter requests a run after d. If a delayed run is already
// armed, it is left unchanged.
func (tl *tasklet) ScheduleAfter(d time.Duration) {
	if d <= 0 || tl.manual {
		tl.Schedule()
		return
	}
	tl.timerMu.Lock()
	defer tl.timerMu.Unlock()
	if tl.timer != nil {
		return
	}
	tl.timer = time.AfterFunc(d, func() {
		tl.timerMu.Lock()
		tl.timer = nil
		tl.timerMu.Unlock()
		tl.Schedule()
	})
}

// Pending returns true if a run has been requested and not yet performed.
func (tl *tasklet) Pending() bool {
	return tl.pending.Load()
}

// Run performs one run in the caller's context, unless disabled.
// It returns true if the function asked to be run again.
func (tl *tasklet) Run() bool {
	tl.run.Lock()
	if tl.disabled.Load() > 0 {
		tl.pending.Store(true)
		tl.run.Unlock()
		return false
	}
	tl.pending.Store(false)
	again := tl.fn()
	tl.run.Unlock()
	if again {
		tl.Schedule()
	}
	return again
}

// Disable prevents further runs and waits for a run in progress
// to complete. Disable calls nest, and must not be made from the
// tasklet function itself.
func (tl *tasklet) Disable() {
	tl.disabled.Add(1)
	tl.run.Lock()
	tl.run.Unlock()
}

// Enable undoes one Disable, performing any run that was
// requested while disabled.
func (tl *tasklet) Enable() {
	if tl.disabled.Add(-1) == 0 && tl.pending.Load() {
		tl.Schedule()
	}
}

// Kill stops the tasklet. No run is in progress once it returns.
func (tl *tasklet) Kill() {
	tl.Disable()
	tl.timerMu.Lock()
	if tl.timer != nil {
		tl.timer.Stop()
		tl.timer = nil
	}
	tl.timerMu.Unlock()
	if !tl.manual {
		tl.t.Kill(nil)
		tl.t.Wait()
	}
}

func (tl *tasklet) loop() error {
	for {
		select {
		case <-tl.t.Dying():
			return nil
		case <-tl.kick:
		}
		tl.Run()
	}
}
