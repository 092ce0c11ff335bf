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

// Package syscall implements the single entry point described in
// spec §4.2: a fixed-size table indexed by call number, five machine-
// word arguments per handler, ENOSYS on an out-of-range or empty slot.
package syscall

import (
	"merlon/pkg/abi/syscallno"
	"merlon/pkg/errors/kerrno"
	"merlon/pkg/klog"
)

// Args are the five machine-word arguments passed to every handler.
type Args [5]uintptr

// Handler services one syscall number. It returns the positive errno-
// style result described in spec §6, or 0 for success.
type Handler func(a Args) int

// Table is the fixed-size dispatch table. The zero Table has every
// slot empty and dispatches ENOSYS unconditionally.
type Table struct {
	handlers [syscallno.Count]Handler
}

// NewTable returns an empty table; callers populate it with Register.
func NewTable() *Table {
	return &Table{}
}

// Register installs fn as the handler for call. It panics if call is
// out of range: wiring an invalid call number is a programming error
// caught at init time, not a runtime condition.
func (t *Table) Register(call syscallno.Sys, fn Handler) {
	if int(call) < 0 || int(call) >= syscallno.Count {
		panic("syscall: Register: call number out of range")
	}
	t.handlers[call] = fn
}

// HandleSystemCall is the single entry point from the syscall trap
// handler (spec §4.2): given a call index and five arguments, it
// invokes the registered handler and propagates its return value, or
// returns ENOSYS if the index is out of bounds or the slot is empty.
func (t *Table) HandleSystemCall(callIndex int, a, b, c, d, e uintptr) int {
	if callIndex < 0 || callIndex >= syscallno.Count {
		klog.Warningf("syscall: call index %d out of range", callIndex)
		return kerrno.ENOSYS.Syscall()
	}
	fn := t.handlers[callIndex]
	if fn == nil {
		klog.Warningf("syscall: call %s (%d) has no registered handler", syscallno.Sys(callIndex), callIndex)
		return kerrno.ENOSYS.Syscall()
	}
	klog.Debugf("syscall: dispatching %s", syscallno.Sys(callIndex))
	return fn(Args{a, b, c, d, e})
}
