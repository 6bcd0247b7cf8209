package wasmruntime

import "testing"

func TestHeapPoolReserveRelease(t *testing.T) {
	p := NewHeapPool(100)

	if !p.Reserve(60) {
		t.Fatal("expected first reservation to succeed")
	}
	if p.Reserve(50) {
		t.Fatal("expected over-budget reservation to fail")
	}
	info := p.Info()
	if info.Used != 60 || info.Free != 40 || info.Highmark != 60 {
		t.Fatalf("Info() = %+v, want used=60 free=40 highmark=60", info)
	}

	p.Release(20)
	info = p.Info()
	if info.Used != 40 || info.Free != 60 {
		t.Fatalf("Info() after release = %+v, want used=40 free=60", info)
	}
	// Highmark never decreases.
	if info.Highmark != 60 {
		t.Fatalf("Highmark = %d, want 60", info.Highmark)
	}
}

func TestHeapPoolReleaseClampsToUsed(t *testing.T) {
	p := NewHeapPool(100)
	p.Reserve(10)
	p.Release(1000)
	if info := p.Info(); info.Used != 0 || info.Free != 100 {
		t.Fatalf("Info() = %+v, want used=0 free=100", info)
	}
}
