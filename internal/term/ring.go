package term

import (
	"sync"
)

// ByteRing is a thread-safe bounded buffer holding the most recent output
// bytes of one tab. When full, the oldest bytes are overwritten. This keeps
// per-tab replay memory fixed no matter how chatty the terminal is.
type ByteRing struct {
	mu sync.RWMutex

	// buf is pre-allocated to capacity.
	buf []byte

	// head is where the next write goes, wrapping at capacity.
	head int

	// size is how many bytes are currently stored (0 to cap).
	size int

	cap int
}

// NewByteRing creates a ring with the given capacity in bytes.
// If capacity is <= 0, it defaults to 256 KiB.
func NewByteRing(capacity int) *ByteRing {
	if capacity <= 0 {
		capacity = 256 * 1024
	}
	return &ByteRing{
		buf: make([]byte, capacity),
		cap: capacity,
	}
}

// Write appends data to the ring, overwriting the oldest bytes when full.
func (r *ByteRing) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Data longer than the ring: only the tail can survive anyway.
	if len(data) >= r.cap {
		copy(r.buf, data[len(data)-r.cap:])
		r.head = 0
		r.size = r.cap
		return
	}

	n := copy(r.buf[r.head:], data)
	if n < len(data) {
		copy(r.buf, data[n:])
	}
	r.head = (r.head + len(data)) % r.cap

	r.size += len(data)
	if r.size > r.cap {
		r.size = r.cap
	}
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (r *ByteRing) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]byte, r.size)
	if r.size == 0 {
		return result
	}

	if r.size < r.cap {
		// Not yet wrapped: data sits at the start of the buffer.
		copy(result, r.buf[:r.size])
	} else {
		// Full: head points at the oldest byte.
		n := copy(result, r.buf[r.head:])
		copy(result[n:], r.buf[:r.head])
	}

	return result
}

// Len returns the number of buffered bytes.
func (r *ByteRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of bytes the ring can hold.
func (r *ByteRing) Capacity() int {
	return r.cap
}

// Clear discards all buffered bytes.
func (r *ByteRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
