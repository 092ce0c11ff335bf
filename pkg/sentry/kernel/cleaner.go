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

package kernel

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"merlon/pkg/klog"
	ksync "merlon/pkg/sync"
)

// deferNotifyCleaner schedules the Cleaner's semaphore release for the
// next time the CPU lowers to IRQL_STANDARD (spec §4.4 "DeferUntilIrql").
func deferNotifyCleaner(c *Cleaner) {
	ksync.DeferUntilIrql(ksync.Standard, func(any) {
		c.sem.Release(1)
	}, nil)
}

// cleanerHeadroom is the semaphore's capacity: a limit on the maximum
// number of terminated-but-uncleaned threads outstanding at once (spec
// §4.4), not a meaningful "initial count" — see the semaphore
// construction note below.
const cleanerHeadroom = 1 << 20

// Cleaner performs deferred destruction of terminated threads' kernel-
// owned resources: a thread cannot free its own kernel stack (still
// running on it), and a peer cannot safely free it either, because it
// may still be linked into arbitrary scheduler queues. Grounded on
// kernel/thread/cleaner.c.
type Cleaner struct {
	fifo []*Thread // protected by schedulerLock
	sem  *semaphore.Weighted
}

// NewCleaner constructs and starts the Cleaner's dedicated goroutine.
//
// The backing semaphore.Weighted starts "full" (all capacity available
// to Acquire) rather than empty, which is the opposite of what a
// block-until-signaled consumer needs. To get blocking-until-release
// behavior out of a resource-pool semaphore, the constructor immediately
// acquires the entire capacity for itself, leaving zero available; every
// subsequent Release(1) (one per terminated thread) frees exactly one
// unit for the Cleaner's own Acquire(1) to consume. This mirrors the
// original kernel's CreateSemaphore(1<<30, 1<<30) call, which passes the
// same large constant as both the capacity and the "already held" count.
func NewCleaner() *Cleaner {
	c := &Cleaner{sem: semaphore.NewWeighted(cleanerHeadroom)}
	if err := c.sem.Acquire(context.Background(), cleanerHeadroom); err != nil {
		panic(err) // cannot happen: nothing else holds this semaphore yet
	}
	go c.loop()
	return c
}

func (c *Cleaner) loop() {
	ctx := context.Background()
	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}

		LockScheduler()
		if len(c.fifo) == 0 {
			// Matches the original's assert(thr != NULL): the semaphore
			// count must equal the FIFO length at all times.
			UnlockScheduler()
			klog.Errorf("cleaner woke with an empty terminated-thread list")
			continue
		}
		thr := c.fifo[0]
		c.fifo = c.fifo[1:]
		UnlockScheduler()

		c.destroy(thr)
	}
}

func (c *Cleaner) destroy(thr *Thread) {
	klog.Debugf("cleaner: destroying thread %q (stack base %#x size %#x)", thr.Name, thr.kernelStackBase, thr.kernelStackSize)
	// A real implementation switches into thr.VAS to unmap its kernel
	// stack region; VAS/stack allocation is out of scope here (spec §1),
	// so destruction is bookkeeping only. Evicting the out-of-band
	// btree ordering key is required, though: without it thr would stay
	// pinned as a map key forever, and thr itself becomes unreferenced
	// only once this function returns and the Go garbage collector
	// reclaims it — the analog of FreeHeap(thr->name); FreeHeap(thr).
	forgetThreadKey(thr)
}

// TerminateThread implements the two termination paths of spec §4.4.
//
// Self-termination (self == thr, called from thr's own goroutine):
// the thread is appended to the Cleaner's FIFO, marked Terminated, and
// a deferred call increments the Cleaner's semaphore once the CPU
// returns to IRQL_STANDARD. Control must not return afterwards:
// runtime.Goexit unwinds the calling goroutine (running deferred
// functions, then exiting) without ever returning to the caller, the
// same guarantee the original enforces with
// Panic(PANIC_IMPOSSIBLE_RETURN) on any reachable statement following
// the termination call.
//
// Peer-termination (self != thr): only thr's death_sentence flag is
// set. The scheduler must consult DeathSentence the next time it would
// dispatch thr and route it into self-termination on thr's own
// goroutine instead.
func (c *Cleaner) TerminateThread(self, thr *Thread) {
	if self == thr {
		klog.Debugf("thread %q self-terminating", thr.Name)
		LockScheduler()
		c.fifo = append(c.fifo, thr)
		thr.setState(Terminated)
		deferNotifyCleaner(c)
		UnlockScheduler()

		runtime.Goexit()
		// unreachable: runtime.Goexit never returns to this frame.
	}

	klog.Debugf("thread %q scheduled to die (peer termination)", thr.Name)
	LockScheduler()
	thr.deathSentence.Store(true)
	UnlockScheduler()
}
