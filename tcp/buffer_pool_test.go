package tcp

import "testing"

func TestBufferPool(t *testing.T) {
	p := newBufferPool(64)
	buf := p.get()
	if len(buf) != 64 {
		t.Fatalf("len: %d", len(buf))
	}
	p.put(buf[:10])
	if again := p.get(); len(again) != 64 {
		t.Errorf("recycled len: %d", len(again))
	}
	p.put(make([]byte, 32))
	if other := p.get(); len(other) != 64 {
		t.Errorf("foreign buffer returned, len: %d", len(other))
	}
}
