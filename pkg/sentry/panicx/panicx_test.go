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

package panicx

import "testing"

func TestCodeStringKnownAndUnknown(t *testing.T) {
	if got := InvalidIRQL.String(); got != "invalid IRQL" {
		t.Errorf("InvalidIRQL.String() = %q, want %q", got, "invalid IRQL")
	}
	if got := Code(999).String(); got != "unknown" {
		t.Errorf("Code(999).String() = %q, want unknown", got)
	}
}

func TestPanicCarriesCodeAndEmptyMessage(t *testing.T) {
	defer func() {
		r := recover()
		f, ok := r.(*Fault)
		if !ok {
			t.Fatalf("recovered value is %T, want *Fault", r)
		}
		if f.Code != AssertionFailure {
			t.Errorf("f.Code = %v, want AssertionFailure", f.Code)
		}
		if got, want := f.Error(), "kernel panic: assertion failure"; got != want {
			t.Errorf("f.Error() = %q, want %q", got, want)
		}
	}()
	Panic(AssertionFailure)
}

func TestPanicExCarriesMessage(t *testing.T) {
	defer func() {
		r := recover()
		f, ok := r.(*Fault)
		if !ok {
			t.Fatalf("recovered value is %T, want *Fault", r)
		}
		want := "kernel panic: driver fault: widget exploded"
		if got := f.Error(); got != want {
			t.Errorf("f.Error() = %q, want %q", got, want)
		}
	}()
	PanicEx(DriverFault, "widget exploded")
}
