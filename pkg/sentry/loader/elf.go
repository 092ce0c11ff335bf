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

// Package loader implements the ELF32 driver loader and kernel-symbol
// ingestion of spec §4.7: validation, image sizing, segment copy, REL
// relocation, resident-section locking, and symbol extraction.
package loader

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"merlon/pkg/abi/elf32"
	"merlon/pkg/errors/kerrno"
	"merlon/pkg/klog"
	"merlon/pkg/sentry/kernel"
	"merlon/pkg/sentry/panicx"
	"merlon/pkg/sentry/usermem"
)

// PageSize matches usermem.PageSize; the loader rounds image sizes and
// lock ranges to it.
const PageSize = usermem.PageSize

// Image is a read-only, length-bounded view of an ELF32 file mapped
// into kernel space for the duration of a load (spec §3 "ELF image in
// memory"). Loading from a real filesystem is expected to wrap an
// io.ReaderAt in ReadImage first.
type Image struct {
	data []byte
}

// ReadImage fully reads r (length bytes) into a kernel-owned buffer,
// retrying transiently-failing reads with bounded backoff — an image
// still being written by the block-device stack underneath r may
// briefly return a short or erroring read (spec §13, Open Question:
// "FAT/block-device contract" is modeled as an io.ReaderAt). An
// advisory flock is held for the duration of the read when locker is
// non-nil, so a concurrent external writer to the backing file cannot
// mutate it mid-read.
func ReadImage(r io.ReaderAt, length int64, locker *flock.Flock) (*Image, error) {
	if locker != nil {
		if err := locker.Lock(); err != nil {
			return nil, err
		}
		defer locker.Unlock()
	}

	buf := make([]byte, length)
	op := func() error {
		n, err := r.ReadAt(buf, 0)
		if err != nil && err != io.EOF {
			return err
		}
		if int64(n) != length {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 5 * time.Millisecond
	expBackoff.MaxInterval = 50 * time.Millisecond
	policy := backoff.WithMaxRetries(expBackoff, 5)
	if err := backoff.Retry(op, backoff.WithContext(policy, context.Background())); err != nil {
		return nil, err
	}
	return &Image{data: buf}, nil
}

// NewImage wraps an already in-memory buffer directly, for tests and
// for callers that have already materialized the image.
func NewImage(data []byte) *Image {
	return &Image{data: data}
}

func isValid(h elf32.Ehdr) bool {
	return h.Ident[elf32.EIMag0] == elf32.Mag0 &&
		h.Ident[elf32.EIMag1] == elf32.Mag1 &&
		h.Ident[elf32.EIMag2] == elf32.Mag2 &&
		h.Ident[elf32.EIMag3] == elf32.Mag3
}

// sizeOfImageIncludingBSS walks every PT_LOAD header and returns the
// page-rounded total size a relocatable load needs (spec §4.7 step 1).
func sizeOfImageIncludingBSS(data []byte, ehdr elf32.Ehdr) (uint32, error) {
	var total uint32
	for i := 0; i < int(ehdr.Phnum); i++ {
		ph, err := elf32.UnmarshalPhdr(data, ehdr.Phoff, i)
		if err != nil {
			return 0, err
		}
		if ph.Type != elf32.PTLoad {
			continue
		}
		need := ph.Vaddr - elf32.CanonicalBase + ph.Filesz + (ph.Memsz - ph.Filesz)
		if need > total {
			total = need
		}
	}
	return (total + PageSize - 1) &^ (PageSize - 1), nil
}

// loadProgramHeaders copies every PT_LOAD segment from data into dst,
// which callers have already sized and zeroed (spec §4.7 step 3). dst
// represents memory based at relocationPoint.
func loadProgramHeaders(data []byte, ehdr elf32.Ehdr, dst []byte, relocationPoint uint32) error {
	for i := 0; i < int(ehdr.Phnum); i++ {
		ph, err := elf32.UnmarshalPhdr(data, ehdr.Phoff, i)
		if err != nil {
			return err
		}
		if ph.Type != elf32.PTLoad {
			continue
		}
		dstOff := ph.Vaddr - elf32.CanonicalBase
		if int64(dstOff)+int64(ph.Memsz) > int64(len(dst)) {
			return errOverread
		}
		if int64(ph.Offset)+int64(ph.Filesz) > int64(len(data)) {
			return errOverread
		}
		copy(dst[dstOff:dstOff+ph.Filesz], data[ph.Offset:ph.Offset+ph.Filesz])
		zero := dst[dstOff+ph.Filesz : dstOff+ph.Memsz]
		for i := range zero {
			zero[i] = 0
		}
	}
	return nil
}

var errOverread = errOverreadType{}

type errOverreadType struct{}

func (errOverreadType) Error() string { return "loader: read past end of image" }

func sectionName(data []byte, ehdr elf32.Ehdr, nameIdx uint32) (string, error) {
	if ehdr.Shstrndx == elf32.ShnUndef {
		return "", nil
	}
	strtab, err := elf32.UnmarshalShdr(data, ehdr.Shoff, int(ehdr.Shstrndx))
	if err != nil {
		return "", err
	}
	return elf32.CString(data, strtab.Offset+nameIdx)
}

// symbolValue implements ElfGetSymbolValue (spec §4.7): it resolves
// the value of the index'th symbol in the symtab referenced by
// sectionLink, given the current relocation point.
func symbolValue(data []byte, ehdr elf32.Ehdr, sectionLink uint32, index uint32, relocationPoint uint32, symbols *kernel.SymbolRegistry) (uint32, *kerrno.Errno) {
	symtab, err := elf32.UnmarshalShdr(data, ehdr.Shoff, int(sectionLink))
	if err != nil {
		return 0, kerrno.EINVAL
	}
	strtabIdx := symtab.Link
	strtab, err := elf32.UnmarshalShdr(data, ehdr.Shoff, int(strtabIdx))
	if err != nil {
		return 0, kerrno.EINVAL
	}

	numEntries := symtab.Size / elf32.SymSize
	if index >= numEntries {
		return 0, kerrno.EINVAL
	}
	sym, err := elf32.UnmarshalSym(data, symtab.Offset, int(index))
	if err != nil {
		return 0, kerrno.EINVAL
	}

	switch uint32(sym.Shndx) {
	case elf32.ShnUndef:
		name, err := elf32.CString(data, strtab.Offset+sym.Name)
		if err != nil {
			return 0, kerrno.EINVAL
		}
		target := symbols.GetSymbolAddress(name)
		if target == 0 {
			if sym.Bind() != elf32.STBWeak {
				return 0, kerrno.EINVAL
			}
			return 0, nil
		}
		return target, nil
	case elf32.ShnAbs:
		return sym.Value, nil
	default:
		return sym.Value + (relocationPoint - elf32.CanonicalBase), nil
	}
}

// performRelocation applies a single Elf32_Rel entry in-place over
// dst, which represents memory based at relocationPoint (spec §4.7
// step 4). r_offset is canonical-based, the same convention p_vaddr
// uses for segments, so the in-image index is r_offset - canonical
// base; the absolute target address (used by R_386_PC32) is
// relocationPoint plus that index.
func performRelocation(data []byte, ehdr elf32.Ehdr, dst []byte, relocationPoint uint32, section elf32.Shdr, rel elf32.Rel, symbols *kernel.SymbolRegistry) *kerrno.Errno {
	index := rel.Offset - elf32.CanonicalBase
	if int64(index)+4 > int64(len(dst)) {
		return kerrno.EINVAL
	}
	targetAddress := relocationPoint + index

	var value uint32
	if rel.Sym() != elf32.ShnUndef {
		v, err := symbolValue(data, ehdr, section.Link, rel.Sym(), relocationPoint, symbols)
		if err != nil {
			return err
		}
		value = v
	}

	target := elf32.ByteOrder.Uint32(dst[index : index+4])
	switch rel.Type() {
	case elf32.R386_32:
		target = value + target
	case elf32.R386PC32:
		target = value + target - targetAddress
	case elf32.R386Relative:
		target = (relocationPoint - elf32.CanonicalBase) + target
	default:
		klog.Warningf("loader: unsupported relocation type %d", rel.Type())
		return kerrno.EINVAL
	}
	elf32.ByteOrder.PutUint32(dst[index:index+4], target)
	return nil
}

// performRelocations walks every SHT_REL section named ".rel.dyn" and
// applies each entry (spec §4.7 step 4). SHT_RELA sections fail the
// load outright.
func performRelocations(data []byte, ehdr elf32.Ehdr, dst []byte, relocationPoint uint32, symbols *kernel.SymbolRegistry) *kerrno.Errno {
	for i := 0; i < int(ehdr.Shnum); i++ {
		section, err := elf32.UnmarshalShdr(data, ehdr.Shoff, i)
		if err != nil {
			return kerrno.EINVAL
		}

		switch section.Type {
		case elf32.SHTRel:
			name, err := sectionName(data, ehdr, section.Name)
			if err != nil || name != ".rel.dyn" {
				continue
			}
			count := int(section.Size / elf32.RelSize)
			for idx := 0; idx < count; idx++ {
				rel, err := elf32.UnmarshalRel(data, section.Offset, idx)
				if err != nil {
					return kerrno.EINVAL
				}
				if kerr := performRelocation(data, ehdr, dst, relocationPoint, section, rel, symbols); kerr != nil {
					klog.Warningf("loader: relocation %d in %s failed", idx, name)
					return kerr
				}
			}
		case elf32.SHTRela:
			klog.Warningf("loader: unsupported section type SHT_RELA")
			return kerrno.EINVAL
		}
	}
	return nil
}

// LockResidentSections marks every page covered by a ".lockedtext" or
// ".lockeddata" section as locked (spec §4.7 step 5, §12 over-locking
// policy). lock is called once per covered page; over-locking is
// tolerated.
func LockResidentSections(data []byte, ehdr elf32.Ehdr, relocationPoint uint32, lock func(addr uint32)) error {
	for i := 0; i < int(ehdr.Shnum); i++ {
		section, err := elf32.UnmarshalShdr(data, ehdr.Shoff, i)
		if err != nil {
			return err
		}
		name, err := sectionName(data, ehdr, section.Name)
		if err != nil {
			return err
		}
		if name != ".lockedtext" && name != ".lockeddata" {
			continue
		}
		base := section.Addr - elf32.CanonicalBase + relocationPoint
		start := base &^ (PageSize - 1)
		end := (base + section.Size + PageSize - 1) &^ (PageSize - 1)
		numPages := (end - start) / PageSize
		for p := uint32(0); p < numPages; p++ {
			lock(start + p*PageSize)
		}
	}
	return nil
}

// LoadedDriver is the result of a successful LoadDriver: the
// relocated image bytes (to be installed at RelocationPoint by the
// caller's VM subsystem) and the entry metadata needed to lock
// resident sections afterward.
type LoadedDriver struct {
	RelocationPoint uint32
	Image           []byte // sized exactly to the page-rounded total; caller maps this at RelocationPoint
	ehdr            elf32.Ehdr
	data            []byte
}

// LockSections locks every resident section of the now-loaded driver,
// given a relocation-point-specific lock callback.
func (d *LoadedDriver) LockSections(lock func(addr uint32)) error {
	return LockResidentSections(d.data, d.ehdr, d.RelocationPoint, lock)
}

// LoadDriver implements ArchLoadDriver (spec §4.7): validates img,
// computes the image size, copies segments, and performs relocation.
// relocationPoint is the caller-chosen load address (obtained from the
// VM subsystem's MapVirt, out of scope here — spec §1 Non-goals).
func LoadDriver(img *Image, relocationPoint uint32, symbols *kernel.SymbolRegistry) (*LoadedDriver, *kerrno.Errno) {
	ehdr, err := elf32.UnmarshalEhdr(img.data)
	if err != nil || !isValid(ehdr) {
		return nil, kerrno.EINVAL
	}
	if ehdr.Shnum == 0 {
		return nil, kerrno.EINVAL
	}
	if ehdr.Phnum == 0 {
		return nil, kerrno.EINVAL
	}

	size, err := sizeOfImageIncludingBSS(img.data, ehdr)
	if err != nil {
		return nil, kerrno.EINVAL
	}
	klog.Debugf("loader: total size = %#x", size)

	dst := make([]byte, size)
	if err := loadProgramHeaders(img.data, ehdr, dst, relocationPoint); err != nil {
		return nil, kerrno.EINVAL
	}

	klog.Debugf("loader: relocation point at %#x", relocationPoint)
	if kerr := performRelocations(img.data, ehdr, dst, relocationPoint, symbols); kerr != nil {
		return nil, kerr
	}

	return &LoadedDriver{
		RelocationPoint: relocationPoint,
		Image:           dst,
		ehdr:            ehdr,
		data:            img.data,
	}, nil
}

// LoadSymbols implements ArchLoadSymbols (spec §4.7 "Symbol
// ingestion"): it locates .symtab/.strtab in img and registers every
// visible, non-zero-valued symbol with symbols, offset by adjust. A
// malformed kernel image here is a kernel-integrity failure, not a
// recoverable error (spec §7: "bad-kernel" panics) — the caller is
// expected to be loading the kernel's own symbol table, which must be
// well-formed by construction.
func LoadSymbols(img *Image, adjust uint32, symbols *kernel.SymbolRegistry) {
	ehdr, err := elf32.UnmarshalEhdr(img.data)
	if err != nil || !isValid(ehdr) || ehdr.Shoff == 0 {
		panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
	}

	var symtabOff, symtabLen, strtabOff uint32
	for i := 0; i < int(ehdr.Shnum); i++ {
		sh, err := elf32.UnmarshalShdr(img.data, ehdr.Shoff, i)
		if err != nil {
			panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
		}
		name, err := sectionName(img.data, ehdr, sh.Name)
		if err != nil {
			panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
		}
		switch name {
		case ".symtab":
			symtabOff, symtabLen = sh.Offset, sh.Size
		case ".strtab":
			strtabOff = sh.Offset
		}
	}
	if symtabOff == 0 || strtabOff == 0 || symtabLen == 0 {
		panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
	}

	count := int(symtabLen / elf32.SymSize)
	for i := 0; i < count; i++ {
		sym, err := elf32.UnmarshalSym(img.data, symtabOff, i)
		if err != nil {
			panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
		}
		if sym.Value == 0 {
			continue
		}
		if sym.Visibility() != elf32.VisibilityDefault {
			continue
		}
		name, err := elf32.CString(img.data, strtabOff+sym.Name)
		if err != nil {
			panicx.PanicEx(panicx.BadKernel, "malformed kernel image during symbol ingestion")
		}
		symbols.AddSymbol(name, sym.Value+adjust)
	}
}
