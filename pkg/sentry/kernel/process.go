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
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"merlon/pkg/errors/kerrno"
	"merlon/pkg/klog"
	ksync "merlon/pkg/sync"
)

// killedChildrenHeadroom bounds the number of a process's children that
// may be terminated-but-unreaped at once. As with cleanerHeadroom, the
// semaphore is constructed fully "held" so Acquire blocks until a real
// Release occurs; see NewCleaner's doc comment for why.
const killedChildrenHeadroom = 1 << 16

// InitPID is the PID every orphan is reparented to (spec §4.5).
const InitPID = 1

func pidLess(a, b *Process) bool { return a.pid < b.pid }

// Process is a PID, a VAS, a parent/child graph, a thread set, and the
// bookkeeping needed to reap it (spec §3 "Process").
type Process struct {
	pid    int32
	VAS    *VAS
	parent atomic.Int32

	mu ksync.Mutex // protects liveChildren, deadChildren, threads, terminated, retv

	liveChildren *btree.BTreeG[*Process]
	deadChildren *btree.BTreeG[*Process]
	threads      *btree.BTreeG[*Thread_]

	killedChildren *semaphore.Weighted

	terminated bool
	retv       int
}

// Thread_ is an alias of Thread used as the element type of the
// process's thread-set btree, like the original's AVL-tree-of-threads.
// It carries no key of its own: threadLess orders threads by threadKey.
type Thread_ = Thread

func threadLess(a, b *Thread) bool {
	return threadKey(a) < threadKey(b)
}

// threadKey gives threads a stable, comparable ordering key for the
// btree without requiring an exported sequence field on Thread.
var threadSeq atomic.Int64
var threadKeys = map[*Thread]int64{}
var threadKeysMu ksync.Mutex

func threadKey(t *Thread) int64 {
	threadKeysMu.Acquire()
	defer threadKeysMu.Release()
	if k, ok := threadKeys[t]; ok {
		return k
	}
	k := threadSeq.Add(1)
	threadKeys[t] = k
	return k
}

// forgetThreadKey evicts t's ordering key once it is no longer a
// member of any process's thread-set btree, so a destroyed Thread can
// actually be garbage collected instead of staying pinned as a map
// key forever (called from Cleaner.destroy).
func forgetThreadKey(t *Thread) {
	threadKeysMu.Acquire()
	defer threadKeysMu.Release()
	delete(threadKeys, t)
}

// ProcessTable is the global singleton table of all live PIDs (spec §9
// "Global mutable state... explicitly initialized singletons behind a
// kernel context object").
type ProcessTable struct {
	pidMu   ksync.Spinlock // covers only the PID increment (spec §5)
	nextPID int32

	tableMu ksync.Mutex
	table   *btree.BTreeG[*Process]

	symbols *SymbolRegistry
}

// NewProcessTable constructs an empty table. PID 1 is not implicitly
// created: callers establish init explicitly via CreateProcess(0) as
// their first call, matching the original boot sequence.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		pidMu:   *ksync.NewSpinlock(ksync.Scheduler),
		nextPID: 1,
		table:   btree.NewG(32, pidLess),
		symbols: NewSymbolRegistry(),
	}
}

// Symbols returns the table's kernel symbol registry (spec §6).
func (pt *ProcessTable) Symbols() *SymbolRegistry {
	return pt.symbols
}

func (pt *ProcessTable) allocatePID() int32 {
	pt.pidMu.Acquire()
	defer pt.pidMu.Release()
	pid := pt.nextPID
	pt.nextPID++
	return pid
}

func (pt *ProcessTable) insert(p *Process) {
	pt.tableMu.Acquire()
	defer pt.tableMu.Release()
	pt.table.ReplaceOrInsert(p)
}

func (pt *ProcessTable) remove(p *Process) {
	pt.tableMu.Acquire()
	defer pt.tableMu.Release()
	pt.table.Delete(p)
}

// GetProcess looks up a process by PID. It returns nil if the PID is
// not currently resident in the table (never reaped, or never existed).
func (pt *ProcessTable) GetProcess(pid int32) *Process {
	ksync.MaxIRQL(ksync.Standard)
	pt.tableMu.Acquire()
	defer pt.tableMu.Release()
	needle := &Process{pid: pid}
	found, ok := pt.table.Get(needle)
	if !ok {
		return nil
	}
	return found
}

// CreateProcess allocates a PID, builds a fresh VAS, empty child/thread
// sets, a killed-children semaphore, and inserts the process into both
// the global table and (if parent_pid != 0) the parent's live-children
// set (spec §4.5 "Creation").
func (pt *ProcessTable) CreateProcess(parentPID int32) *Process {
	ksync.MaxIRQL(ksync.Standard)

	p := &Process{
		VAS:            NewVAS(),
		liveChildren:   btree.NewG(32, pidLess),
		deadChildren:   btree.NewG(32, pidLess),
		threads:        btree.NewG(32, threadLess),
		killedChildren: semaphore.NewWeighted(killedChildrenHeadroom),
	}
	if err := p.killedChildren.Acquire(context.Background(), killedChildrenHeadroom); err != nil {
		panic(err)
	}
	p.pid = pt.allocatePID()
	p.parent.Store(parentPID)

	pt.insert(p)

	if parentPID != 0 {
		parent := pt.GetProcess(parentPID)
		if parent != nil {
			parent.mu.Acquire()
			parent.liveChildren.ReplaceOrInsert(p)
			parent.mu.Release()
		}
	}

	klog.Debugf("process %d created (parent %d)", p.pid, parentPID)
	return p
}

// NewProcessWithEntry creates a process and its single initial thread,
// the Go analog of CreateProcessWithEntryPoint.
func (pt *ProcessTable) NewProcessWithEntry(parentPID int32, name string, entry func(self *Thread)) *Process {
	p := pt.CreateProcess(parentPID)
	thr := NewThread(name, p.VAS)
	p.AddThread(thr)
	thr.Start(entry)
	return p
}

// Pid returns the process's PID.
func (p *Process) Pid() int32 { return p.pid }

// ParentPid returns the process's current parent PID (mutated on
// orphan adoption).
func (p *Process) ParentPid() int32 { return p.parent.Load() }

// Lock/Unlock serialize all observations of a process's child/thread
// sets (spec §5).
func (p *Process) Lock()   { p.mu.Acquire() }
func (p *Process) Unlock() { p.mu.Release() }

// AddThread inserts thr into the process's thread set and sets its
// owning-process back-reference (spec §4.5 "Thread attachment").
func (p *Process) AddThread(thr *Thread) {
	p.mu.Acquire()
	defer p.mu.Release()
	p.threads.ReplaceOrInsert(thr)
	thr.setProcess(p)
}

// Fork is an intentionally unspecified stub (spec §9 Open Questions):
// the original kernel's ForkProcess always returns NULL. Returning a
// documented ENOSYS gives callers a defined error rather than a missing
// symbol.
func (p *Process) Fork() (*Process, *kerrno.Errno) {
	ksync.MaxIRQL(ksync.Standard)
	return nil, kerrno.ENOSYS
}

// adoptOrphan makes adopter the new parent of orphan, inserting it into
// adopter's live-children set (spec §4.5 "AdoptOrphan"). The caller,
// Kill, releases one permit on adopter's killed-children semaphore for
// each adoption.
func (pt *ProcessTable) adoptOrphan(adopter, orphan *Process) {
	adopter.mu.Acquire()
	orphan.parent.Store(adopter.pid)
	adopter.liveChildren.ReplaceOrInsert(orphan)
	adopter.mu.Release()
}

// Kill marks the process terminated, records retv, reparents every live
// child to PID 1, and either self-reaps (if parentless) or signals the
// parent's killed-children semaphore (spec §4.5 "Termination").
func (pt *ProcessTable) Kill(p *Process, retv int) {
	ksync.MaxIRQL(ksync.Standard)

	p.mu.Acquire()
	p.terminated = true
	p.retv = retv
	orphans := make([]*Process, 0, p.liveChildren.Len())
	p.liveChildren.Ascend(func(child *Process) bool {
		orphans = append(orphans, child)
		return true
	})
	p.liveChildren.Clear(false)
	p.mu.Release()

	if len(orphans) > 0 {
		init := pt.GetProcess(InitPID)
		for _, orphan := range orphans {
			pt.adoptOrphan(init, orphan)
			init.killedChildren.Release(1)
		}
	}

	parentPID := p.parent.Load()
	klog.Debugf("process %d killed (retv=%d, parent=%d)", p.pid, retv, parentPID)

	if parentPID == 0 {
		pt.reap(p)
		return
	}

	parent := pt.GetProcess(parentPID)
	parent.mu.Acquire()
	parent.liveChildren.Delete(p)
	parent.deadChildren.ReplaceOrInsert(p)
	parent.mu.Release()
	parent.killedChildren.Release(1)
}

// reap removes a terminated, already-unlinked-from-its-parent process
// from the global table. The VAS, semaphores, and sets become
// unreferenced and are reclaimed by the garbage collector, the Go
// analog of FreeHeap on each field followed by FreeHeap(prcss).
func (pt *ProcessTable) reap(p *Process) {
	pt.remove(p)
	klog.Debugf("process %d reaped", p.pid)
}

// Wait implements spec §4.5 "Reap": it blocks until a child matching pid
// (-1 meaning any) has terminated, reaps it, and returns its PID and
// exit status. Earlier deaths of *other* children are re-credited to
// the semaphore so a subsequent Wait observes them.
func (pt *ProcessTable) Wait(p *Process, pid int32) (int32, int, *kerrno.Errno) {
	ksync.MaxIRQL(ksync.Standard)

	ctx := context.Background()
	failedReaps := 0

	for {
		if err := p.killedChildren.Acquire(ctx, 1); err != nil {
			return 0, 0, kerrno.EAGAIN
		}

		p.mu.Acquire()
		child := pt.matchDeadChild(p, pid)
		var (
			reapedPID int32
			status    int
		)
		if child != nil {
			status = child.retv
			reapedPID = child.pid
			p.deadChildren.Delete(child)
		}
		p.mu.Release()

		if child != nil {
			pt.reap(child)
			for ; failedReaps > 0; failedReaps-- {
				p.killedChildren.Release(1)
			}
			return reapedPID, status, nil
		}

		// No dead child matched: either pid names a child that has not
		// died yet, or the permit was released by an orphan adoption in
		// Kill rather than by a death. Either way the permit is
		// re-credited after the eventual successful reap.
		failedReaps++
	}
}

// matchDeadChild returns (without removing) the dead child matching
// pid, or the first dead child if pid == -1. Caller must hold p.mu.
func (pt *ProcessTable) matchDeadChild(p *Process, pid int32) *Process {
	if pid == -1 {
		var first *Process
		p.deadChildren.Ascend(func(c *Process) bool {
			first = c
			return false
		})
		return first
	}
	needle := &Process{pid: pid}
	found, ok := p.deadChildren.Get(needle)
	if !ok {
		return nil
	}
	return found
}
