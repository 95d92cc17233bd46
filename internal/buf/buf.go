// Package buf implements the length-bounded byte container used throughout
// the socket, TLS, IMAP, and codec paths: fixed-capacity buffers that
// reject overflow with errs.FixedSize, growable buffers that reject
// allocation failure with errs.NoMem, and borrowed (non-owning) views.
package buf

import "github.com/infodancer/citm/internal/errs"

// Kind identifies which of the three buffer shapes a Buffer was created as.
type Kind int

const (
	// Fixed is a preallocated, non-growing capacity. Appending past cap
	// yields errs.FixedSize.
	Fixed Kind = iota
	// Growable reallocates on demand. Appending past the configured max
	// yields errs.NoMem.
	Growable
	// Borrowed wraps caller-owned memory; Buffer never reallocates it.
	Borrowed
)

// Buffer is a length-bounded byte container.
type Buffer struct {
	kind Kind
	data []byte
	max  int // 0 means unbounded (only meaningful for Growable)
}

// NewFixed allocates a fixed-capacity buffer of the given size.
func NewFixed(capacity int) *Buffer {
	return &Buffer{kind: Fixed, data: make([]byte, 0, capacity)}
}

// NewGrowable allocates a growable buffer with an optional max size (0 = unbounded).
func NewGrowable(initial, max int) *Buffer {
	return &Buffer{kind: Growable, data: make([]byte, 0, initial), max: max}
}

// NewBorrowed wraps an existing slice without taking ownership; appends
// write through b up to len(underlying) and then fail with FixedSize,
// matching the "view, no ownership" semantics of spec.md §3.
func NewBorrowed(view []byte) *Buffer {
	return &Buffer{kind: Borrowed, data: view[:0:len(view)]}
}

// Len returns the current length of the buffer contents.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the current contents. The slice is only valid until the
// next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset empties the buffer without releasing capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Append adds p to the buffer, enforcing the shape-specific overflow rule.
func (b *Buffer) Append(p []byte) *errs.Error {
	switch b.kind {
	case Fixed, Borrowed:
		if len(b.data)+len(p) > cap(b.data) {
			return errs.New(errs.FixedSize, "append of %d bytes exceeds fixed capacity %d (len=%d)", len(p), cap(b.data), len(b.data))
		}
		b.data = append(b.data, p...)
		return nil
	case Growable:
		if b.max > 0 && len(b.data)+len(p) > b.max {
			return errs.New(errs.NoMem, "append of %d bytes exceeds growable max %d (len=%d)", len(p), b.max, len(b.data))
		}
		b.data = append(b.data, p...)
		return nil
	default:
		return errs.New(errs.Internal, "unknown buffer kind %d", b.kind)
	}
}

// Truncate shrinks the buffer to n bytes; n must be <= Len().
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > len(b.data) {
		return
	}
	b.data = b.data[:n]
}

// Consume removes the first n bytes, shifting the remainder down. Used by
// ring-buffer-like consumers (raw-in/raw-out queues) that read from the
// front of the buffer.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}
