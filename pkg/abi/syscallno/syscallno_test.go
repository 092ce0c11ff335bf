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

package syscallno

import "testing"

func TestCountMatchesNumberedCalls(t *testing.T) {
	if Count != 11 {
		t.Fatalf("Count = %d, want 11", Count)
	}
}

func TestStringReturnsTracingNames(t *testing.T) {
	cases := map[Sys]string{
		Yield:     "yield",
		Terminate: "terminate",
		MapVirt:   "map-virt",
		UnmapVirt: "unmap-virt",
		Open:      "open",
		Read:      "read",
		Write:     "write",
		Close:     "close",
		Seek:      "seek",
		Dup:       "dup",
		Tell:      "tell",
	}
	for n, want := range cases {
		if got := n.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", n, got, want)
		}
	}
}

func TestStringOutOfRangeIsInvalid(t *testing.T) {
	if got := Sys(-1).String(); got != "invalid" {
		t.Errorf("Sys(-1).String() = %q, want invalid", got)
	}
	if got := Sys(Count).String(); got != "invalid" {
		t.Errorf("Sys(Count).String() = %q, want invalid", got)
	}
}
