// Package shmring is a lock-free single-producer, single-consumer byte ring.
// The producer is typically a transport pump goroutine and the consumer the
// cooperative poll loop, which must never block on it.
package shmring

import "sync/atomic"

// Ring is a single-producer, single-consumer byte ring.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	dropped  atomic.Uint32
	readable chan struct{} // 0->>0 available edge
}

// New allocates a ring. size must be a power of two >= 2.
func New(size int) *Ring {
	if size < 2 || (size&(size-1)) != 0 {
		panic("shmring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

// Space is the number of bytes the producer may still write.
func (r *Ring) Space() int {
	return int(r.size() - (r.wr.Load() - r.rd.Load()))
}

// Available is the number of bytes the consumer may read.
func (r *Ring) Available() int {
	return int(r.wr.Load() - r.rd.Load())
}

// Dropped counts bytes refused by Write because the ring was full.
func (r *Ring) Dropped() uint32 { return r.dropped.Load() }

// Write copies as much of src as fits and returns the count written.
// Bytes that do not fit are counted as dropped.
func (r *Ring) Write(src []byte) (n int) {
	if len(src) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	before := wr - rd
	n = int(r.size() - before)
	if n > len(src) {
		n = len(src)
	}
	if n < len(src) {
		r.dropped.Add(uint32(len(src) - n))
	}
	if n == 0 {
		return 0
	}

	idx := wr & r.mask
	first := int(r.size() - idx)
	if first > n {
		first = n
	}
	copy(r.buf[idx:idx+uint32(first)], src[:first])
	if second := n - first; second > 0 {
		copy(r.buf[:second], src[first:n])
	}
	r.wr.Store(wr + uint32(n)) // release

	if before == 0 {
		select {
		case r.readable <- struct{}{}:
		default:
		}
	}
	return n
}

// Read copies up to len(dst) buffered bytes into dst.
func (r *Ring) Read(dst []byte) (n int) {
	rd := r.rd.Load()
	wr := r.wr.Load() // acquire
	n = int(wr - rd)
	if n > len(dst) {
		n = len(dst)
	}
	if n <= 0 {
		return 0
	}
	idx := rd & r.mask
	first := int(r.size() - idx)
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[idx:idx+uint32(first)])
	if second := n - first; second > 0 {
		copy(dst[first:n], r.buf[:second])
	}
	r.rd.Store(rd + uint32(n)) // release
	return n
}

// ReadByte pops one byte. ok is false when the ring is empty.
func (r *Ring) ReadByte() (b byte, ok bool) {
	rd := r.rd.Load()
	if r.wr.Load() == rd {
		return 0, false
	}
	b = r.buf[rd&r.mask]
	r.rd.Store(rd + 1)
	return b, true
}

// Readable fires on the empty to non-empty edge.
func (r *Ring) Readable() <-chan struct{} { return r.readable }
