package model

import (
	"errors"
	"testing"
)

func TestValueConversions(t *testing.T) {
	if f, err := Int(3).AsFloat(); err != nil || f != 3 {
		t.Fatalf("Int(3).AsFloat() = %v, %v", f, err)
	}
	if i, err := Float(4).AsInt(); err != nil || i != 4 {
		t.Fatalf("Float(4).AsInt() = %v, %v", i, err)
	}
	if _, err := Float(4.5).AsInt(); !errors.Is(err, ErrDictError) {
		t.Fatalf("Float(4.5).AsInt() error = %v, want DictError", err)
	}
	if _, err := String("x").AsFloat(); !errors.Is(err, ErrDictError) {
		t.Fatalf("String.AsFloat() error = %v, want DictError", err)
	}
	fs, err := List(Int(1), Float(2.5)).AsFloats()
	if err != nil || len(fs) != 2 || fs[1] != 2.5 {
		t.Fatalf("AsFloats() = %v, %v", fs, err)
	}
}

func TestFromInterfaceRoundTrip(t *testing.T) {
	in := map[string]any{
		"V_m":    -70.0,
		"n":      3,
		"label":  "exc",
		"frozen": true,
		"times":  []any{1.0, 2.0},
		"nested": map[string]any{"mu": 1.5},
	}
	d, err := DictFromMap(in)
	if err != nil {
		t.Fatalf("DictFromMap: %v", err)
	}
	if d["n"].Kind() != KindInt || d["times"].Kind() != KindList || d["nested"].Kind() != KindDict {
		t.Fatalf("unexpected kinds: %v", d)
	}
	back, err := DictFromMap(d.Interface())
	if err != nil {
		t.Fatalf("DictFromMap(Interface()): %v", err)
	}
	if !back.Equal(d) {
		t.Fatalf("round trip mismatch: %v vs %v", back, d)
	}

	if _, err := FromInterface(struct{}{}); !errors.Is(err, ErrDictError) {
		t.Fatalf("FromInterface(struct) error = %v, want DictError", err)
	}
}

func TestDictReaderReportsUnaccessedKeys(t *testing.T) {
	r := NewDictReader(Dict{"V_th": Float(-50), "V_tht": Float(1)})
	var vth float64
	if !r.Float("V_th", &vth) || vth != -50 {
		t.Fatalf("Float(V_th) = %v", vth)
	}
	err := r.Err()
	if !errors.Is(err, ErrDictError) {
		t.Fatalf("Err() = %v, want DictError", err)
	}
	if got := r.Unaccessed(); len(got) != 1 || got[0] != "V_tht" {
		t.Fatalf("Unaccessed() = %v", got)
	}
}

func TestKernelErrorTaxonomy(t *testing.T) {
	err := InCommand("Connect", Errorf(KindBadDelay, "delay %v outside [%v, %v]", 5.0, 1.0, 2.0))

	if !errors.Is(err, ErrBadDelay) {
		t.Fatalf("errors.Is(err, ErrBadDelay) = false")
	}
	if !errors.Is(err, ErrKernelException) {
		t.Fatalf("root sentinel should match every kernel error")
	}
	if errors.Is(err, ErrUnknownNode) {
		t.Fatalf("different kind must not match")
	}
	var ke *KernelError
	if !errors.As(err, &ke) || ke.Command != "Connect" {
		t.Fatalf("command not preserved: %v", err)
	}

	plain := InCommand("Simulate", errors.New("boom"))
	if KindOf(plain) != KindKernelException {
		t.Fatalf("KindOf(plain) = %q, want KernelException", KindOf(plain))
	}
	if k, ok := ParseErrorKind("BadDelay"); !ok || k != KindBadDelay {
		t.Fatalf("ParseErrorKind(BadDelay) = %q, %v", k, ok)
	}
}

func TestRingBufferWrapsByTick(t *testing.T) {
	b := NewRingBuffer(4)
	b.Add(5, 1.5)
	b.Add(9, 2) // same slot as tick 5 once tick 5 is consumed
	if got := b.Take(5); got != 3.5 {
		t.Fatalf("Take(5) = %v, want 3.5", got)
	}
	if got := b.Take(9); got != 0 {
		t.Fatalf("slot should be cleared, got %v", got)
	}
	b.Add(6, 1)
	b.Resize(8)
	if got := b.Peek(6); got != 0 {
		t.Fatalf("Resize should clear, got %v", got)
	}
}
