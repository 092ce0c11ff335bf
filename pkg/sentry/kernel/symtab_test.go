package kernel

import "testing"

func TestGetSymbolAddressUnknownReturnsZero(t *testing.T) {
	r := NewSymbolRegistry()
	if addr := r.GetSymbolAddress("nonexistent"); addr != 0 {
		t.Fatalf("GetSymbolAddress(unknown) = %#x, want 0", addr)
	}
}

func TestAddSymbolThenGet(t *testing.T) {
	r := NewSymbolRegistry()
	r.AddSymbol("driver_entry", 0xD0001000)
	if addr := r.GetSymbolAddress("driver_entry"); addr != 0xD0001000 {
		t.Fatalf("GetSymbolAddress = %#x, want 0xD0001000", addr)
	}
}

func TestAddSymbolOverwritesPreviousValue(t *testing.T) {
	r := NewSymbolRegistry()
	r.AddSymbol("foo", 1)
	r.AddSymbol("foo", 2)
	if addr := r.GetSymbolAddress("foo"); addr != 2 {
		t.Fatalf("GetSymbolAddress after overwrite = %#x, want 2", addr)
	}
}
