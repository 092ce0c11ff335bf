package kernel

import "testing"

func TestNewVASAllocatesDistinctIdentities(t *testing.T) {
	a := NewVAS()
	b := NewVAS()
	if a.id == b.id {
		t.Fatalf("NewVAS returned two handles with the same identity: %d", a.id)
	}
}

func TestNewThreadStartsRunnable(t *testing.T) {
	thr := NewThread("t", NewVAS())
	if thr.State() != Runnable {
		t.Fatalf("State() = %v, want Runnable", thr.State())
	}
	if thr.DeathSentence() {
		t.Fatalf("freshly created thread reports a death sentence")
	}
}

func TestStartRunsBodyAndClosesDone(t *testing.T) {
	thr := NewThread("t", NewVAS())
	ran := make(chan struct{})
	thr.Start(func(self *Thread) {
		if self != thr {
			t.Errorf("body received self = %p, want %p", self, thr)
		}
		close(ran)
	})

	<-ran
	<-thr.Done()
}

func TestSetStateIsObservedByState(t *testing.T) {
	thr := NewThread("t", NewVAS())
	thr.setState(BlockedOnResource)
	if thr.State() != BlockedOnResource {
		t.Fatalf("State() = %v, want BlockedOnResource", thr.State())
	}
}

func TestProcessDefaultsToNilAndCanBeSet(t *testing.T) {
	thr := NewThread("t", NewVAS())
	if thr.Process() != nil {
		t.Fatalf("Process() = %v, want nil before attachment", thr.Process())
	}

	pt := NewProcessTable()
	p := pt.NewProcessWithEntry(0, "init", func(self *Thread) {})
	thr.setProcess(p)
	if thr.Process() != p {
		t.Fatalf("Process() = %v, want %v", thr.Process(), p)
	}
}

func TestThreadStateStringer(t *testing.T) {
	cases := map[ThreadState]string{
		Runnable:          "runnable",
		BlockedOnResource: "blocked",
		Terminated:        "terminated",
		ThreadState(99):   "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
