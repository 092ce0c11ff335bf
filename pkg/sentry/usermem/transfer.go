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

// Package usermem implements the transfer layer that mediates every
// byte crossing the user/kernel trust boundary (spec §4.1). It is a
// direct port of the original core's kernel/vfs/transfer.c.
package usermem

import (
	"golang.org/x/sys/unix"

	"merlon/pkg/errors/kerrno"
)

// Permission mirrors the page-permission bits the original core checks
// via GetVirtPermissions. The numeric values follow golang.org/x/sys/unix
// PROT_* constants for parity with how the teacher's ecosystem spells
// mapping protection bits, plus a USER bit this architecture also needs.
type Permission uint32

const (
	Read  Permission = unix.PROT_READ
	Write Permission = unix.PROT_WRITE
	Exec  Permission = unix.PROT_EXEC
	User  Permission = 1 << 30
)

const (
	PageSize = 4096

	// WordSize is sizeof(size_t) on this architecture (x86, 32-bit;
	// spec §1).
	WordSize = 4

	// UserAreaBase/UserAreaLimit bound the range of valid user virtual
	// addresses (spec §4.1 step 1/2), matching ARCH_USER_AREA_BASE/LIMIT.
	UserAreaBase  uintptr = 0x00400000
	UserAreaLimit uintptr = 0xC0000000
)

// PageTable answers permission queries for a virtual address. The real
// page table lives in the (out-of-scope) virtual memory manager; this
// core only consumes the contract.
type PageTable interface {
	// Permissions returns the permission bits in effect for the page
	// containing addr, or 0 if the page is unmapped.
	Permissions(addr uintptr) Permission
}

// SimplePageTable is a minimal in-memory PageTable, page-granular, used
// by tests and by cmd/merlonctl to exercise the transfer layer without a
// real virtual memory manager.
type SimplePageTable struct {
	pages map[uintptr]Permission
}

func NewSimplePageTable() *SimplePageTable {
	return &SimplePageTable{pages: make(map[uintptr]Permission)}
}

// Map sets the permission bits for every page spanning [addr, addr+length).
func (t *SimplePageTable) Map(addr uintptr, length uintptr, perm Permission) {
	start := addr &^ (PageSize - 1)
	end := (addr + length + PageSize - 1) &^ (PageSize - 1)
	for p := start; p < end; p += PageSize {
		t.pages[p] = perm
	}
}

func (t *SimplePageTable) Unmap(addr uintptr, length uintptr) {
	start := addr &^ (PageSize - 1)
	end := (addr + length + PageSize - 1) &^ (PageSize - 1)
	for p := start; p < end; p += PageSize {
		delete(t.pages, p)
	}
}

func (t *SimplePageTable) Permissions(addr uintptr) Permission {
	return t.pages[addr&^(PageSize-1)]
}

// Direction is the direction bytes flow relative to the untrusted
// buffer: Read means the kernel is writing into the untrusted buffer so
// that a user read(2)-style call observes kernel data; Write means the
// kernel is reading untrusted bytes in.
type Direction int

const (
	DirRead  Direction = iota // kernel -> untrusted buffer
	DirWrite                  // untrusted buffer -> kernel
)

// Kind distinguishes a crossing of the trust boundary from a copy that
// never leaves kernel space.
type Kind int

const (
	KindUsermode Kind = iota
	KindIntraKernel
)

// Transfer is a cursor over an untrusted buffer, mutated in place by
// every call to Copy (spec §3 "Transfer").
type Transfer struct {
	Address         uintptr
	Direction       Direction
	Kind            Kind
	LengthRemaining uint64
	Offset          uint64
	Blockable       bool

	table PageTable
}

// NewKernelTransfer creates an intra-kernel cursor, where overlapping
// source/destination ranges are legal (the original uses memmove here).
func NewKernelTransfer(addr uintptr, length uint64, offset uint64, dir Direction) *Transfer {
	return &Transfer{Address: addr, Direction: dir, Kind: KindIntraKernel, LengthRemaining: length, Offset: offset, Blockable: true}
}

// NewTransferWritingToUser creates a cursor for a usermode read(2): the
// kernel writes into the user's buffer.
func NewTransferWritingToUser(table PageTable, addr uintptr, length uint64, offset uint64) *Transfer {
	return &Transfer{Address: addr, Direction: DirRead, Kind: KindUsermode, LengthRemaining: length, Offset: offset, Blockable: true, table: table}
}

// NewTransferReadingFromUser creates a cursor for a usermode write(2):
// the kernel reads the user's buffer.
func NewTransferReadingFromUser(table PageTable, addr uintptr, length uint64, offset uint64) *Transfer {
	return &Transfer{Address: addr, Direction: DirWrite, Kind: KindUsermode, LengthRemaining: length, Offset: offset, Blockable: true, table: table}
}

func validateCopy(table PageTable, addr uintptr, size uint64, write bool) *kerrno.Errno {
	start := addr
	end := start + uintptr(size)

	if start < UserAreaBase || start >= UserAreaLimit {
		return kerrno.EINVAL
	}
	if end < start { // overflow
		return kerrno.EINVAL
	}
	if end < UserAreaBase || end >= UserAreaLimit {
		return kerrno.EINVAL
	}

	startPage := start &^ (PageSize - 1)
	endPage := (end + PageSize - 1) &^ (PageSize - 1)
	for p := startPage; p < endPage; p += PageSize {
		perm := table.Permissions(p)
		if perm == 0 {
			return kerrno.EINVAL
		}
		if perm&Read == 0 {
			return kerrno.EINVAL
		}
		if perm&User == 0 {
			return kerrno.EINVAL
		}
		if write && perm&Write == 0 {
			return kerrno.EINVAL
		}
		if write && perm&Exec != 0 {
			// W^X: never let the kernel write into an executable user page.
			return kerrno.EINVAL
		}
	}
	return nil
}

// Copy moves up to len bytes between trusted and the untrusted cursor,
// advancing the cursor on success. On failure, no bytes are copied and
// the cursor is left untouched (spec §7 "Transfers never partially
// succeed and report error").
func Copy(trusted []byte, tr *Transfer, length uint64) *kerrno.Errno {
	amount := length
	if tr.LengthRemaining < amount {
		amount = tr.LengthRemaining
	}
	if amount == 0 {
		return nil
	}

	if tr.Kind == KindIntraKernel {
		// memmove semantics: Go's builtin copy is safe for overlapping
		// slices, matching the original's explicit use of memmove here.
		untrusted := addrSlice(tr.Address, amount)
		if tr.Direction == DirRead {
			copy(untrusted, trusted[:amount])
		} else {
			copy(trusted[:amount], untrusted)
		}
	} else {
		write := tr.Direction == DirRead // kernel writes into the user buffer
		if err := validateCopy(tr.table, tr.Address, amount, write); err != nil {
			return err
		}
		dst := addrSlice(tr.Address, amount)
		if tr.Direction == DirRead {
			copy(dst, trusted[:amount])
		} else {
			copy(trusted[:amount], dst)
		}
	}

	tr.LengthRemaining -= amount
	tr.Offset += amount
	tr.Address += uintptr(amount)
	return nil
}

// addrSlice is the simulated-memory backing for intra-process "virtual
// addresses" used by this module's SimplePageTable-based demos and
// tests. A real kernel would have a genuine physical mapping here; this
// core's concern is the validation/cursor arithmetic around the copy,
// not the byte store itself, so a process-wide byte arena stands in.
var arena = make([]byte, UserAreaLimit)

func addrSlice(addr uintptr, n uint64) []byte {
	return arena[addr : addr+uintptr(n)]
}

// CopyWord copies a single machine word (size_t-equivalent, 32-bit on
// this architecture) into the user's buffer.
func CopyWord(table PageTable, location uintptr, value uint32) *kerrno.Errno {
	tr := NewTransferWritingToUser(table, location, WordSize, 0)
	buf := make([]byte, WordSize)
	for i := 0; i < WordSize; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	if err := Copy(buf, tr, WordSize); err != nil {
		return err
	}
	if tr.LengthRemaining != 0 {
		return kerrno.EINVAL
	}
	return nil
}

// ReadWord reads a single machine word out of the user's buffer.
func ReadWord(table PageTable, location uintptr) (uint32, *kerrno.Errno) {
	tr := NewTransferReadingFromUser(table, location, WordSize, 0)
	buf := make([]byte, WordSize)
	if err := Copy(buf, tr, WordSize); err != nil {
		return 0, err
	}
	if tr.LengthRemaining != 0 {
		return 0, kerrno.EINVAL
	}
	var v uint32
	for i := 0; i < WordSize; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

// WriteStringToUser copies a kernel string into user space, truncating
// to maxLength-1 bytes and always NUL-terminating on success (spec §4.1).
func WriteStringToUser(table PageTable, s string, addr uintptr, maxLength uint64) *kerrno.Errno {
	tr := NewTransferWritingToUser(table, addr, maxLength, 0)

	size := uint64(len(s))
	if size >= maxLength {
		size = maxLength - 1
	}
	if err := Copy([]byte(s), tr, size); err != nil {
		return err
	}
	return Copy([]byte{0}, tr, 1)
}

// ReadStringFromUser copies a NUL-terminated string out of user space,
// stopping at the first NUL or after maxLength-1 bytes, and always
// NUL-terminating the result.
func ReadStringFromUser(table PageTable, addr uintptr, maxLength uint64) (string, *kerrno.Errno) {
	tr := NewTransferReadingFromUser(table, addr, maxLength, 0)
	buf := make([]byte, 0, maxLength)

	for maxLength > 1 {
		maxLength--
		c := make([]byte, 1)
		if err := Copy(c, tr, 1); err != nil {
			return "", err
		}
		if c[0] == 0 {
			break
		}
		buf = append(buf, c[0])
	}
	return string(buf), nil
}
