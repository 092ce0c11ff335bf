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

// Package kerrno defines the closed set of POSIX-flavored error codes
// returned across the user/kernel boundary by this core. Values are
// comparable sentinels, following the same shape as gVisor's linuxerr
// package, rather than wrapped error types: syscall handlers need a
// plain positive integer on the wire (spec §4.2/§6), and every call site
// in this module compares against one of these constants directly.
package kerrno

// Errno is a kernel error code. The zero value is not a valid Errno;
// success is spelled as a nil error, never as Errno(0).
type Errno struct {
	name string
	num  int
}

func (e *Errno) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.name
}

// Syscall returns the positive-integer return value a syscall handler
// should produce for this error (spec §4.2: "zero = success, positive =
// errno-style code").
func (e *Errno) Syscall() int {
	return e.num
}

// Equals reports whether err is exactly this sentinel.
func (e *Errno) Equals(err error) bool {
	other, ok := err.(*Errno)
	return ok && other == e
}

var (
	EINVAL = &Errno{"invalid argument", 22}
	ENOSYS = &Errno{"function not implemented", 38}
	EIO    = &Errno{"I/O error", 5}
	ENOENT = &Errno{"no such file or directory", 2}
	EAGAIN = &Errno{"resource temporarily unavailable", 11}
	ENOMEM = &Errno{"cannot allocate memory", 12}
	ESRCH  = &Errno{"no such process", 3}
	ECHILD = &Errno{"no child processes", 10}
	EACCES = &Errno{"permission denied", 13}
	EPERM  = &Errno{"operation not permitted", 1}
)

// Equals reports whether err is the sentinel target. Safe to call with a
// nil err (reports false) following the linuxerr.Equals convention seen
// in the pack's gVisor tty code.
func Equals(target *Errno, err error) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*Errno)
	return ok && e == target
}

// FromSyscall recovers the Errno with the given syscall-return value, or
// nil if none matches (including 0, which is success and has no Errno).
func FromSyscall(n int) *Errno {
	for _, e := range []*Errno{EINVAL, ENOSYS, EIO, ENOENT, EAGAIN, ENOMEM, ESRCH, ECHILD, EACCES, EPERM} {
		if e.num == n {
			return e
		}
	}
	return nil
}
