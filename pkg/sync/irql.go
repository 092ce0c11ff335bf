// Copyright 2024 The Merlon Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides the IRQL (interrupt-request level) model
// consumed throughout the kernel core (spec §4.3) along with IRQL-aware
// Mutex and Spinlock wrappers. A single logical CPU is assumed (spec §1
// Non-goals: no SMP), so the "current IRQL" is process-wide state rather
// than per-CPU.
package sync

import (
	"sync"
	"sync/atomic"

	"merlon/pkg/sentry/panicx"
)

// IRQL is an interrupt-request level. Higher values mask strictly
// lower-priority interrupt sources.
type IRQL int32

const (
	Standard  IRQL = 0
	Driver0   IRQL = 1
	Driver1   IRQL = 2
	Scheduler IRQL = 3 // the scheduler's internal spinlock level (spec §5)
	Timer     IRQL = 4
	High      IRQL = 5
)

func (l IRQL) String() string {
	switch l {
	case Standard:
		return "STANDARD"
	case Driver0, Driver1:
		return "DRIVER"
	case Scheduler:
		return "SCHEDULER"
	case Timer:
		return "TIMER"
	case High:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

var current atomic.Int32

// CurrentIRQL returns the level the (single logical) CPU is running at.
func CurrentIRQL() IRQL {
	return IRQL(current.Load())
}

// RaiseIRQL raises the current IRQL and returns the previous level,
// which the caller must pass to LowerIRQL to restore it. Raising to a
// level below the current one panics (spec §4.3 levels are strictly
// ordered); raising to the current level is allowed.
func RaiseIRQL(to IRQL) IRQL {
	prev := IRQL(current.Swap(int32(to)))
	if to < prev {
		panicx.PanicEx(panicx.InvalidIRQL, "RaiseIRQL to a lower level")
	}
	return prev
}

// LowerIRQL restores a previously-raised level and runs any work
// deferred for the new level via DeferUntilIrql.
func LowerIRQL(to IRQL) {
	current.Store(int32(to))
	runDeferred(to)
}

// MaxIRQL panics with InvalidIRQL unless the CPU is at
// or below the given level — the precondition the original kernel checks
// with the MAX_IRQL macro before acquiring a mutex or touching
// process-table state.
func MaxIRQL(level IRQL) {
	if CurrentIRQL() > level {
		panicx.PanicEx(panicx.InvalidIRQL, "operation requires IRQL <= "+level.String())
	}
}

// ExactIRQL panics unless the CPU is at exactly the given level.
func ExactIRQL(level IRQL) {
	if CurrentIRQL() != level {
		panicx.PanicEx(panicx.InvalidIRQL, "operation requires IRQL == "+level.String())
	}
}

type deferredWork struct {
	target IRQL
	fn     func(any)
	arg    any
}

var (
	deferredMu sync.Mutex
	deferred   []deferredWork
)

// DeferUntilIrql schedules fn(arg) to run once the CPU lowers to target
// or below (spec §4.3). If the CPU is already at or below target, fn
// runs synchronously.
func DeferUntilIrql(target IRQL, fn func(any), arg any) {
	if CurrentIRQL() <= target {
		fn(arg)
		return
	}
	deferredMu.Lock()
	deferred = append(deferred, deferredWork{target, fn, arg})
	deferredMu.Unlock()
}

func runDeferred(now IRQL) {
	deferredMu.Lock()
	var ready, rest []deferredWork
	for _, w := range deferred {
		if now <= w.target {
			ready = append(ready, w)
		} else {
			rest = append(rest, w)
		}
	}
	deferred = rest
	deferredMu.Unlock()

	for _, w := range ready {
		w.fn(w.arg)
	}
}

// Mutex may only be acquired at IRQL_STANDARD (spec §4.3: "Acquiring a
// mutex demands MAX_IRQL(STANDARD)"). It must never be held across a
// suspension point at elevated IRQL.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Acquire() {
	MaxIRQL(Standard)
	m.mu.Lock()
}

func (m *Mutex) Release() {
	m.mu.Unlock()
}

// Spinlock raises the CPU to its declared IRQL for the critical
// section's duration, then restores the previous level on release. It
// must never be held across a suspension point.
//
// mu gates entry: a contending goroutine blocks on mu.Lock() at
// whatever IRQL it came in at, and only the goroutine that actually
// holds the lock ever calls RaiseIRQL/LowerIRQL. Raising the IRQL
// before taking mu would let two contending Acquire calls both swap
// the shared current level before either has exclusive access to
// s.prev, corrupting the recorded "previous" level for whichever one
// loses the lock race.
type Spinlock struct {
	level IRQL
	mu    sync.Mutex
	prev  IRQL
}

// NewSpinlock declares a spinlock that raises to level while held.
func NewSpinlock(level IRQL) *Spinlock {
	return &Spinlock{level: level}
}

func (s *Spinlock) Acquire() {
	s.mu.Lock()
	s.prev = RaiseIRQL(s.level)
}

func (s *Spinlock) Release() {
	prev := s.prev
	LowerIRQL(prev)
	s.mu.Unlock()
}
