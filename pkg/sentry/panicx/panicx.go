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

// Package panicx holds the closed taxonomy of fatal kernel conditions.
// Panic is never recovered from: callers are expected to let it unwind
// the process, matching the original core's halt-on-panic policy.
package panicx

import (
	"fmt"

	"merlon/pkg/klog"
)

// Code is a fatal condition code, in the same order as the original
// kernel's panic.h enum.
type Code int

const (
	Unknown Code = iota
	ImpossibleReturn
	ManuallyInitiated
	UnitTestOK
	DriverFault
	OutOfHeap
	OutOfBootstrapHeap
	HeapRequestTooLarge
	PageFaultInNonPagedArea
	AssertionFailure
	NoMemoryMap
	NotImplemented
	InvalidIRQL
	SpinlockWrongIRQL
	PriorityQueueMisuse
	BadKernel
)

var names = map[Code]string{
	Unknown:                 "unknown",
	ImpossibleReturn:        "impossible return",
	ManuallyInitiated:       "manually initiated",
	UnitTestOK:              "unit test ok",
	DriverFault:             "driver fault",
	OutOfHeap:               "out of heap",
	OutOfBootstrapHeap:      "out of bootstrap heap",
	HeapRequestTooLarge:     "heap request too large",
	PageFaultInNonPagedArea: "page fault in non-paged area",
	AssertionFailure:        "assertion failure",
	NoMemoryMap:             "no memory map",
	NotImplemented:          "not implemented",
	InvalidIRQL:             "invalid IRQL",
	SpinlockWrongIRQL:       "spinlock acquired at wrong IRQL",
	PriorityQueueMisuse:     "priority queue misuse",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// Fault is the value recovered from a kernel panic.
type Fault struct {
	Code    Code
	Message string
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("kernel panic: %s", f.Code)
	}
	return fmt.Sprintf("kernel panic: %s: %s", f.Code, f.Message)
}

// Panic halts with the given code and no message.
func Panic(code Code) {
	PanicEx(code, "")
}

// PanicEx halts with the given code and an explanatory message.
// It never returns.
func PanicEx(code Code, message string) {
	f := &Fault{Code: code, Message: message}
	klog.Errorf("%s", f.Error())
	panic(f)
}
