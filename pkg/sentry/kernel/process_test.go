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
	"testing"
	"time"

	"merlon/pkg/errors/kerrno"
)

func waitForChild(t *testing.T, pt *ProcessTable, parent *Process, pid int32) (int32, int) {
	t.Helper()
	done := make(chan struct{})
	var gotPID int32
	var gotStatus int
	var gotErr *kerrno.Errno
	go func() {
		gotPID, gotStatus, gotErr = pt.Wait(parent, pid)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait(pid=%d) did not return in time", pid)
	}
	if gotErr != nil {
		t.Fatalf("Wait(pid=%d): unexpected error %v", pid, gotErr)
	}
	return gotPID, gotStatus
}

func TestCreateProcessAssignsUniquePIDs(t *testing.T) {
	pt := NewProcessTable()
	init := pt.CreateProcess(0)
	if init.Pid() == 0 {
		t.Fatalf("init process got PID 0")
	}

	seen := map[int32]bool{init.Pid(): true}
	for i := 0; i < 100; i++ {
		p := pt.CreateProcess(init.Pid())
		if seen[p.Pid()] {
			t.Fatalf("duplicate PID %d", p.Pid())
		}
		seen[p.Pid()] = true
	}
}

func TestKillAndWaitReapsExactlyOnce(t *testing.T) {
	pt := NewProcessTable()
	init := pt.CreateProcess(0)
	child := pt.CreateProcess(init.Pid())

	pt.Kill(child, 7)

	pid, status := waitForChild(t, pt, init, -1)
	if pid != child.Pid() {
		t.Fatalf("reaped PID = %d, want %d", pid, child.Pid())
	}
	if status != 7 {
		t.Fatalf("reaped status = %d, want 7", status)
	}

	if got := pt.GetProcess(child.Pid()); got != nil {
		t.Fatalf("child %d still present in table after reap", child.Pid())
	}
}

// TestWaitTargetedPreservesOtherPendingDeaths exercises the spec's
// "targeted reap preserving pending deaths" scenario: two children die,
// a targeted Wait for one must not lose visibility of the other.
func TestWaitTargetedPreservesOtherPendingDeaths(t *testing.T) {
	pt := NewProcessTable()
	init := pt.CreateProcess(0)
	a := pt.CreateProcess(init.Pid())
	b := pt.CreateProcess(init.Pid())

	pt.Kill(a, 1)
	pt.Kill(b, 2)

	pid, status := waitForChild(t, pt, init, b.Pid())
	if pid != b.Pid() || status != 2 {
		t.Fatalf("targeted wait got (%d,%d), want (%d,2)", pid, status, b.Pid())
	}

	pid, status = waitForChild(t, pt, init, -1)
	if pid != a.Pid() || status != 1 {
		t.Fatalf("follow-up wait got (%d,%d), want (%d,1)", pid, status, a.Pid())
	}
}

func TestKillReparentsOrphansToInit(t *testing.T) {
	pt := NewProcessTable()
	init := pt.CreateProcess(0)
	parent := pt.CreateProcess(init.Pid())
	orphan := pt.CreateProcess(parent.Pid())

	pt.Kill(parent, 0)
	waitForChild(t, pt, init, parent.Pid())

	if got := orphan.ParentPid(); got != init.Pid() {
		t.Fatalf("orphan's parent = %d, want init PID %d", got, init.Pid())
	}

	pt.Kill(orphan, 9)
	pid, status := waitForChild(t, pt, init, orphan.Pid())
	if pid != orphan.Pid() || status != 9 {
		t.Fatalf("reaping adopted orphan got (%d,%d), want (%d,9)", pid, status, orphan.Pid())
	}
}

func TestAddThreadSetsBackReference(t *testing.T) {
	pt := NewProcessTable()
	p := pt.CreateProcess(0)
	thr := NewThread("worker", p.VAS)
	p.AddThread(thr)

	if thr.Process() != p {
		t.Fatalf("thread's Process() did not return owning process")
	}
}

func TestForkReturnsENOSYS(t *testing.T) {
	pt := NewProcessTable()
	p := pt.CreateProcess(0)
	child, err := p.Fork()
	if child != nil {
		t.Fatalf("Fork returned non-nil process")
	}
	if !kerrno.ENOSYS.Equals(err) {
		t.Fatalf("Fork error = %v, want ENOSYS", err)
	}
}

func TestNewProcessWithEntryRunsBody(t *testing.T) {
	pt := NewProcessTable()
	init := pt.CreateProcess(0)

	ran := make(chan struct{})
	p := pt.NewProcessWithEntry(init.Pid(), "demo", func(self *Thread) {
		close(ran)
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("entry point never ran")
	}
	if p.Pid() == 0 {
		t.Fatalf("NewProcessWithEntry returned zero PID")
	}
}
