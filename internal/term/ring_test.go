package term

import (
	"bytes"
	"testing"
)

func TestByteRingBasicWrite(t *testing.T) {
	r := NewByteRing(16)

	r.Write([]byte("hello"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Bytes() = %q, want hello", got)
	}
	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}
}

func TestByteRingWrapKeepsNewest(t *testing.T) {
	r := NewByteRing(8)

	r.Write([]byte("abcdef"))
	r.Write([]byte("ghij"))

	// 10 bytes written into an 8-byte ring: the oldest two are gone.
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Errorf("Bytes() = %q, want cdefghij", got)
	}
	if r.Len() != 8 {
		t.Errorf("Len() = %d, want 8", r.Len())
	}
}

func TestByteRingOversizedWrite(t *testing.T) {
	r := NewByteRing(4)

	r.Write([]byte("0123456789"))

	// Only the tail of an oversized write can survive.
	if got := r.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Errorf("Bytes() = %q, want 6789", got)
	}

	// Subsequent writes continue correctly after the reset.
	r.Write([]byte("ab"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("89ab")) {
		t.Errorf("Bytes() = %q, want 89ab", got)
	}
}

func TestByteRingClear(t *testing.T) {
	r := NewByteRing(8)
	r.Write([]byte("data"))
	r.Clear()

	if r.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", r.Len())
	}
	if got := r.Bytes(); len(got) != 0 {
		t.Errorf("Bytes() after Clear = %q, want empty", got)
	}
}

func TestByteRingDefaultCapacity(t *testing.T) {
	r := NewByteRing(0)
	if r.Capacity() != 256*1024 {
		t.Errorf("Capacity() = %d, want 256 KiB default", r.Capacity())
	}
}

func TestByteRingBytesIsACopy(t *testing.T) {
	r := NewByteRing(8)
	r.Write([]byte("safe"))

	got := r.Bytes()
	got[0] = 'X'

	if !bytes.Equal(r.Bytes(), []byte("safe")) {
		t.Error("mutating the returned slice must not affect the ring")
	}
}
