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

// Package kernel implements the thread/process lifecycle core of the
// kernel: Thread primitives sufficient to support the Cleaner and
// Process subsystems, the process table, and the kernel symbol
// registry. Full scheduling, blocking, and VAS switching are an
// external contract this package consumes (spec §2 "Thread primitives
// (external)") — here a Thread is a goroutine plus the bookkeeping
// fields the Cleaner and Process layers need.
package kernel

import (
	"sync/atomic"

	ksync "merlon/pkg/sync"
)

// ThreadState mirrors the scheduling states a Thread can occupy.
type ThreadState int32

const (
	Runnable ThreadState = iota
	BlockedOnResource
	Terminated
)

func (s ThreadState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case BlockedOnResource:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// VAS is an opaque virtual address space handle. The page-table/MMU
// internals behind it are out of scope (spec §1); this core only needs
// a comparable identity to switch into when the Cleaner tears down a
// thread's kernel stack.
type VAS struct {
	id uint64
}

var nextVASID atomic.Uint64

// NewVAS allocates a fresh, empty address space.
func NewVAS() *VAS {
	return &VAS{id: nextVASID.Add(1)}
}

// Thread is an execution context: a kernel stack region, a scheduling
// state, a VAS, a back-reference to its owning Process, a name, and the
// death_sentence flag consulted at scheduler entry (spec §3 "Thread").
type Thread struct {
	Name string
	VAS  *VAS

	// kernelStackBase/kernelStackSize describe the stack region the
	// Cleaner unmaps on destruction (spec §4.4). There is no real stack
	// allocator in scope, so these are nominal bookkeeping values set at
	// creation time.
	kernelStackBase uintptr
	kernelStackSize uintptr

	state         atomic.Int32
	deathSentence atomic.Bool
	process       atomic.Pointer[Process]

	done chan struct{}
}

// schedulerLock protects thread-list and death-sentence mutations
// (spec §5 "The scheduler's internal lock... protects thread-list and
// death-sentence mutations").
var schedulerLock = ksync.NewSpinlock(ksync.Scheduler)

func LockScheduler()   { schedulerLock.Acquire() }
func UnlockScheduler() { schedulerLock.Release() }

// NewThread creates a thread with the given name and VAS, running body
// as its own goroutine once Start is called. The thread owns a nominal
// kernel stack region for Cleaner bookkeeping purposes.
func NewThread(name string, vas *VAS) *Thread {
	t := &Thread{
		Name:            name,
		VAS:             vas,
		kernelStackBase: nextStackBase.Add(stackSize),
		kernelStackSize: stackSize,
		done:            make(chan struct{}),
	}
	t.state.Store(int32(Runnable))
	return t
}

const stackSize = 16 * 1024

var nextStackBase atomic.Uint64

// Start launches body on a dedicated goroutine. body must check
// DeathSentence() at any point it would otherwise be re-dispatched and,
// if set, call Cleaner.TerminateThread(self, self) instead of continuing (spec §4.4 "peer
// termination" contract).
func (t *Thread) Start(body func(self *Thread)) {
	go func() {
		defer close(t.done)
		body(t)
	}()
}

// State returns the thread's current scheduling state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

func (t *Thread) setState(s ThreadState) {
	t.state.Store(int32(s))
}

// DeathSentence reports whether a peer has requested this thread's
// termination. The thread's own code must consult this at its next
// scheduling point and call Cleaner.TerminateThread(self, self) if true.
func (t *Thread) DeathSentence() bool {
	return t.deathSentence.Load()
}

// Process returns the thread's owning process, or nil if unattached.
func (t *Thread) Process() *Process {
	return t.process.Load()
}

func (t *Thread) setProcess(p *Process) {
	t.process.Store(p)
}

// Done returns a channel closed once the thread's body has returned
// (used by tests; no kernel code should ever observe a death_sentence'd
// or self-terminated thread's body actually returning, see
// Cleaner.TerminateThread).
func (t *Thread) Done() <-chan struct{} {
	return t.done
}
