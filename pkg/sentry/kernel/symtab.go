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

import ksync "merlon/pkg/sync"

// SymbolRegistry maps kernel symbol names to their resolved addresses,
// consumed by the ELF loader (spec §4.7, §6 "Symbol registry") when
// resolving a driver's undefined symbols. The registry copies names on
// insert and makes no lifetime guarantee about a caller's backing ELF
// mapping after AddSymbol returns.
type SymbolRegistry struct {
	mu      ksync.Mutex
	symbols map[string]uint32
}

// NewSymbolRegistry returns an empty registry.
func NewSymbolRegistry() *SymbolRegistry {
	return &SymbolRegistry{symbols: make(map[string]uint32)}
}

// AddSymbol registers (or overwrites) name -> addr.
func (r *SymbolRegistry) AddSymbol(name string, addr uint32) {
	r.mu.Acquire()
	defer r.mu.Release()
	// Copy the string explicitly: Go strings sharing a backing array
	// with caller-owned memory would otherwise pin it, the same lifetime
	// hazard the original addresses with "no need for strdup... gets
	// converted to the weird radix trie format".
	name = string([]byte(name))
	r.symbols[name] = addr
}

// GetSymbolAddress returns the registered address for name, or 0 if
// absent (spec §6 "GetSymbolAddress(name) -> addr_or_0").
func (r *SymbolRegistry) GetSymbolAddress(name string) uint32 {
	r.mu.Acquire()
	defer r.mu.Release()
	return r.symbols[name]
}
